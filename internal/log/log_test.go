package log_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("task", "t-1"))
	child := log.ContextAttrs(ctx, slog.Uint64("generation", 2))
	logger.DebugContext(child, "hidden")
	logger.InfoContext(child, "visible")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "visible", rec["msg"])
	require.Equal(t, "t-1", rec["task"])
	require.EqualValues(t, 2, rec["generation"])

	buf.Reset()
	logger.InfoContext(ctx, "parent")
	rec = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.NotContains(t, rec, "generation")
}

func TestOutput(t *testing.T) {
	t.Parallel()
	w, closeFn, err := log.Output("discard")
	require.NoError(t, err)
	require.Equal(t, io.Discard, w)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "sweeper.log")
	w, closeFn, err = log.Output(path)
	require.NoError(t, err)
	_, err = io.WriteString(w, "line\n")
	require.NoError(t, err)
	require.NoError(t, closeFn())

	_, _, err = log.Output(filepath.Join(t.TempDir(), "missing", "x.log"))
	require.Error(t, err)
}
