package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/store"
)

func initDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDB(t.Context(), filepath.Join(t.TempDir(), "sweeper.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func task(id string, status model.Status) model.Task {
	started := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return model.Task{
		ID:         id,
		Generation: 2,
		Status:     status,
		Params: model.Params{
			Kind:    model.KindDiscovery,
			Scope:   []string{"10.0.0.0/24"},
			Profile: model.ProfileNormal,
		},
		StartedAt: &started,
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := t.Context()

	_, err := store.Get(ctx, db, "t1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, store.Start(ctx, db, task("t1", model.StatusStarting)))
	require.NoError(t, store.Start(ctx, db, task("t1", model.StatusStarting)), "start is idempotent")

	row, err := store.Get(ctx, db, "t1")
	require.NoError(t, err)
	require.True(t, row.InProgress)
	require.Equal(t, model.StatusStarting, row.Status)
	require.Equal(t, []string{"10.0.0.0/24"}, row.Params.Scope)
	require.Nil(t, row.EndedAt)
	require.Nil(t, row.Error)

	done := task("t1", model.StatusDone)
	ended := done.StartedAt.Add(time.Minute)
	done.EndedAt = &ended
	items := []model.Item{{Key: "10.0.0.5", Attributes: model.Attributes{"host": "foo"}}}
	require.NoError(t, store.Finish(ctx, db, done, items))
	require.ErrorIs(t, store.Finish(ctx, db, done, items), store.ErrAlreadyFinished)
	require.ErrorIs(t, store.Start(ctx, db, done), store.ErrAlreadyFinished)

	row, err = store.Get(ctx, db, "t1")
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.Equal(t, model.StatusDone, row.Status)
	require.Equal(t, 1, row.Found)
	require.Equal(t, items, row.Items)
	require.Equal(t, ended, *row.EndedAt)
	require.Equal(t, *done.StartedAt, row.StartedAt)

	require.NoError(t, store.Delete(ctx, db, "t1"))
	require.ErrorIs(t, store.Delete(ctx, db, "t1"), store.ErrNotFound)
}

func TestFinishWithoutStart(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := t.Context()

	failed := task("t2", model.StatusError)
	failed.ErrorMessage = "unit 10.0.0.0/24: boom"
	require.NoError(t, store.Finish(ctx, db, failed, nil))

	row, err := store.Get(ctx, db, "t2")
	require.NoError(t, err)
	require.Equal(t, model.StatusError, row.Status)
	require.NotNil(t, row.Error)
	require.Equal(t, failed.ErrorMessage, *row.Error)
	require.Zero(t, row.Found)
	require.NotNil(t, row.EndedAt)
}

func TestListAndAbandon(t *testing.T) {
	t.Parallel()
	db := initDB(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Start(ctx, db, task(id, model.StatusRunning)))
	}
	require.NoError(t, store.Finish(ctx, db, task("a", model.StatusDone), nil))

	n, err := store.Abandon(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	rows, err := store.List(ctx, db, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "c", rows[0].UUID)
	require.Equal(t, "b", rows[1].UUID)
	for _, r := range rows {
		require.False(t, r.InProgress)
		require.Equal(t, model.StatusError, r.Status)
		require.Equal(t, store.Interrupted, *r.Error)
		require.Nil(t, r.Items)
	}
	require.Contains(t, rows[0].String(), `uuid: "c"`)

	all, err := store.List(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
