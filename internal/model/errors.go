package model

import (
	"errors"
)

var (
	ErrNoMatch = errors.New("no match")

	// ErrConflict is returned by start while a non-terminal task exists.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition is returned for commands the current status does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoWorker reports a command that raced against the worker exit.
	ErrNoWorker = errors.New("no worker")
	// ErrInvalidParams rejects start parameters before any state changes.
	ErrInvalidParams = errors.New("invalid parameters")
	// ErrNotFound is returned for a sweep missing in the history.
	ErrNotFound = errors.New("not found")
	// ErrTerminated is returned by a worker honoring a terminate signal.
	ErrTerminated = errors.New("worker terminated")
)
