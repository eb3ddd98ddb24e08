package model

import (
	"errors"
	"time"
)

// Snapshot is the point in time view served to pollers.
type Snapshot struct {
	Generation        uint64         `json:"generation"`
	TaskID            string         `json:"task_id,omitempty"`
	Status            Status         `json:"status"`
	Progress          Progress       `json:"progress"`
	Params            Params         `json:"params"`
	Counters          Counters       `json:"counters"`
	CountersByKeyHint map[string]int `json:"counters_by_key_hint"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	LastEventID       uint64         `json:"last_event_id"`
	RecentEvents      []Event        `json:"recent_events"`
}

type Counters struct {
	Items  int    `json:"items"`
	Events uint64 `json:"events"`
}

// Page is one response of the events(since, limit) query. LastID is the
// last id in the log, so LastID > last returned id means more is pending.
type Page struct {
	Generation uint64  `json:"generation"`
	Events     []Event `json:"events"`
	LastID     uint64  `json:"last_id"`
}

// Ack answers a control command.
type Ack struct {
	OK          bool   `json:"ok"`
	TaskID      string `json:"task_id,omitempty"`
	Generation  uint64 `json:"generation"`
	LastEventID uint64 `json:"last_event_id"`
}

type Results struct {
	Items []Item `json:"items"`
	Count int    `json:"count"`
}

// StartRequest is the body of the start command.
type StartRequest struct {
	Params
	Force bool `json:"force,omitempty"`
}

const (
	CodeConflict          = "conflict"
	CodeInvalidTransition = "invalid_transition"
	CodeNoWorker          = "no_worker"
	CodeInvalidParams     = "invalid_params"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// APIError is the error body of a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case CodeConflict:
		return ErrConflict
	case CodeInvalidTransition:
		return ErrInvalidTransition
	case CodeNoWorker:
		return ErrNoWorker
	case CodeInvalidParams:
		return ErrInvalidParams
	case CodeNotFound:
		return ErrNotFound
	}
	return nil
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrNoWorker):
		return CodeNoWorker
	case errors.Is(err, ErrInvalidParams):
		return CodeInvalidParams
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return CodeInternal
}
