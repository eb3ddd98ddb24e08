package model

import "fmt"

// Status is the lifecycle state of the single sweep task.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCancelling Status = "cancelling"
	StatusDone       Status = "done"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusIdle: {
		StatusStarting: {},
	},
	StatusStarting: {
		StatusRunning:    {},
		StatusCancelling: {},
		StatusError:      {},
	},
	StatusRunning: {
		StatusPaused:     {},
		StatusCancelling: {},
		StatusDone:       {},
		StatusError:      {},
	},
	StatusPaused: {
		StatusRunning:    {},
		StatusCancelling: {},
		StatusError:      {},
	},
	StatusCancelling: {
		StatusCancelled: {},
		StatusError:     {},
	},
	StatusDone: {
		StatusIdle: {},
	},
	StatusCancelled: {
		StatusIdle: {},
	},
	StatusError: {
		StatusIdle: {},
	},
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal is true for done, cancelled and error.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusCancelled, StatusError:
		return true
	}
	return false
}

// IsActive is true while a worker may exist for the task.
func (s Status) IsActive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusPaused, StatusCancelling:
		return true
	}
	return false
}

// Startable reports whether a new task may be started without force.
func (s Status) Startable() bool {
	return s == StatusIdle || s.IsTerminal()
}

// ValidateTransition returns a *TransitionError if the FSM does not allow s -> to.
func (s Status) ValidateTransition(to Status) error {
	if next, ok := allowedTransitions[s]; ok {
		if _, ok := next[to]; ok {
			return nil
		}
	}
	return &TransitionError{From: s, To: to}
}

// TransitionError is returned for commands issued from a state that does
// not permit them. It matches ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Op   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
	}
	return fmt.Sprintf("%s: %s: not allowed while %s", e.Op, ErrInvalidTransition, e.From)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
