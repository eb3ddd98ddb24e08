// Package store persists the history of sweeps in SQLite, so the result
// sets of finished tasks survive a restart.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = model.ErrNotFound
	ErrAlreadyFinished = errors.New("already finished")
)

// Interrupted is the error of sweeps left in progress by a previous process.
const Interrupted = "interrupted by a restart"

type Sweep struct {
	UUID       string       `json:"uuid"`
	Generation uint64       `json:"generation"`
	Params     model.Params `json:"params"`
	InProgress bool         `json:"in_progress"`
	Status     model.Status `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
	Error      *string      `json:"error,omitempty"`
	Found      int          `json:"found"`
	Items      []model.Item `json:"items,omitempty"`
}

type SweepRow struct {
	Sweep
	ID int `json:"id"`
}

func (s SweepRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, kind: %s, in_progress: %t, status: %s, found: %d", s.UUID, s.Params.Kind, s.InProgress, s.Status, s.Found)
	if s.Error != nil {
		fmt.Fprintf(&sb, ", error: %q", *s.Error)
	} else {
		sb.WriteString(", error: nil")
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer, which also makes :memory: databases shared
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS sweeps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			generation INTEGER NOT NULL,
			kind TEXT NOT NULL,
			params TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT DEFAULT NULL,
			error TEXT DEFAULT NULL,
			found INTEGER NOT NULL DEFAULT 0,
			items TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Start persists that the task is in progress. If the task is still in
// progress no error is returned, if it has already finished
// ErrAlreadyFinished is returned.
func Start(ctx context.Context, db *sql.DB, task model.Task) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, task.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM sweeps WHERE uuid=?`, task.ID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if err := insert(ctx, tx, task, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Finish stores the terminal state of the task with its result set. A
// task which was never started is inserted as finished,
// ErrAlreadyFinished is returned for a task finished before.
func Finish(ctx context.Context, db *sql.DB, task model.Task, items []model.Item) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, task.ID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM sweeps WHERE uuid=?`, task.ID,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		if err := insert(ctx, tx, task, false); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	rawItems, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshaling items: %w", err)
	}
	var reason *string
	if task.ErrorMessage != "" {
		reason = &task.ErrorMessage
	}
	ended := time.Now().UTC()
	if task.EndedAt != nil {
		ended = *task.EndedAt
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sweeps
		 SET
			in_progress = false,
			status = ?,
			ended_at = ?,
			error = ?,
			found = ?,
			items = ?
		WHERE uuid = ?;
		`, task.Status, formatTime(ended), reason, len(items), string(rawItems), task.ID,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Abandon marks every sweep still in progress as failed and returns how
// many there were. It is called at startup, no worker of a previous
// process can still run.
func Abandon(ctx context.Context, db *sql.DB) (int, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE sweeps
		 SET
			in_progress = false,
			status = ?,
			ended_at = ?,
			error = ?
		WHERE in_progress = true;
		`, model.StatusError, formatTime(time.Now().UTC()), Interrupted,
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return int(ra), nil
}

// Get returns the sweep identified by uuid including its items, or
// ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (SweepRow, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+columns+`, items FROM sweeps WHERE uuid=?`, uuid,
	)
	var rawItems sql.NullString
	s, err := scan(row, &rawItems)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return SweepRow{}, ErrNotFound
	case err != nil:
		return SweepRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	if rawItems.Valid {
		if err := json.Unmarshal([]byte(rawItems.String), &s.Items); err != nil {
			return SweepRow{}, fmt.Errorf("decoding items of %s: %w", uuid, err)
		}
	}
	return s, nil
}

// List returns up to limit sweeps, newest first, without their items.
func List(ctx context.Context, db *sql.DB, limit int) ([]SweepRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM sweeps ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	ret := []SweepRow{}
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sql row failed: %w", err)
		}
		ret = append(ret, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sql rows failed: %w", err)
	}
	return ret, nil
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM sweeps WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

const columns = `id, uuid, generation, params, in_progress, status, started_at, ended_at, error, found`

type scanner interface {
	Scan(dest ...any) error
}

func scan(sc scanner, extra ...any) (SweepRow, error) {
	var s SweepRow
	var rawParams, started string
	var ended sql.NullString
	dest := []any{
		&s.ID,
		&s.UUID,
		&s.Generation,
		&rawParams,
		&s.InProgress,
		&s.Status,
		&started,
		&ended,
		&s.Error,
		&s.Found,
	}
	if err := sc.Scan(append(dest, extra...)...); err != nil {
		return SweepRow{}, err
	}
	if err := json.Unmarshal([]byte(rawParams), &s.Params); err != nil {
		return SweepRow{}, fmt.Errorf("decoding params: %w", err)
	}
	var err error
	if s.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return SweepRow{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if ended.Valid {
		t, err := time.Parse(time.RFC3339Nano, ended.String)
		if err != nil {
			return SweepRow{}, fmt.Errorf("parsing ended_at: %w", err)
		}
		s.EndedAt = &t
	}
	return s, nil
}

func insert(ctx context.Context, tx *sql.Tx, task model.Task, inProgress bool) error {
	rawParams, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}
	started := time.Now().UTC()
	if task.StartedAt != nil {
		started = *task.StartedAt
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sweeps (uuid, generation, kind, params, in_progress, status, started_at) VALUES (?,?,?,?,?,?,?);`,
		task.ID, task.Generation, task.Params.Kind, string(rawParams), inProgress, task.Status, formatTime(started),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	return nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
