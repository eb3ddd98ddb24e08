package model_test

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEventJSON(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)

	item := model.Event{
		Generation: 2,
		ID:         7,
		Timestamp:  ts,
		Payload: model.ItemPayload{
			Key:        "10.0.0.5",
			Hint:       "10.0.0.0/24",
			Attributes: model.Attributes{"host": "foo"},
		},
	}
	raw, err := json.Marshal(item)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"generation": 2,
		"id": 7,
		"type": "item",
		"payload": {"key": "10.0.0.5", "hint": "10.0.0.0/24", "attributes": {"host": "foo"}},
		"ts": "2025-10-01T12:00:00Z"
	}`, string(raw))

	var got model.Event
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, item, got)
	require.Equal(t, model.EventItem, got.Type())

	status := `{"generation":1,"id":1,"type":"status","payload":{"task":{"generation":1,"status":"starting","progress":{"current":0,"total":3},"params":{}}},"ts":"2025-10-01T12:00:00Z"}`
	require.NoError(t, json.Unmarshal([]byte(status), &got))
	p, ok := got.Payload.(model.StatusPayload)
	require.True(t, ok)
	require.Equal(t, model.StatusStarting, p.Task.Status)
	require.Equal(t, 3, p.Task.Progress.Total)

	err = json.Unmarshal([]byte(`{"id":1,"type":"progress","payload":{}}`), &got)
	require.EqualError(t, err, `unknown event type "progress"`)
}

func TestAPIErrorUnwrap(t *testing.T) {
	err := error(&model.APIError{Code: model.CodeNoWorker, Message: "pause: no worker"})
	require.ErrorIs(t, err, model.ErrNoWorker)
	require.Equal(t, model.CodeNoWorker, model.ErrorCode(model.ErrNoWorker))
	require.Equal(t, model.CodeInvalidTransition, model.ErrorCode(&model.TransitionError{From: model.StatusIdle, To: model.StatusPaused}))
	require.Equal(t, model.CodeNotFound, model.ErrorCode(fmt.Errorf("history: %w", model.ErrNotFound)))
	require.Equal(t, model.CodeInternal, model.ErrorCode(nil))
}
