package sweep

import (
	"context"
	"errors"
	"log/slog"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

// sink binds worker reports to the run they belong to. Reports of a
// detached run are dropped, so a superseded generation never leaks into
// the current one.
type sink struct {
	c *Controller
	r *run
}

func (s sink) Ready() {
	c := s.c
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.run != s.r || c.task.Status != model.StatusStarting {
		return
	}
	_ = c.transitionLocked(model.StatusRunning)
}

func (s sink) Item(unit, key string, attrs model.Attributes) {
	c := s.c
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.run != s.r || key == "" {
		return
	}
	if limit := c.task.Params.MaxHosts; limit > 0 && !c.dedup.Has(key) && c.dedup.Len() >= limit {
		return
	}
	c.dedup.Upsert(key, unit, attrs)
	c.log.Append(model.ItemPayload{
		Key:        key,
		Hint:       unit,
		Attributes: model.Attributes(nil).Merge(attrs),
	})
	c.refreshLocked()
}

func (s sink) Progress(p model.Progress) {
	c := s.c
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.run != s.r {
		return
	}
	c.task.Progress = p
	c.appendStatusLocked()
}

func (s sink) Suspended() {
	c := s.c
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.run != s.r || c.task.Status != model.StatusRunning {
		return
	}
	_ = c.transitionLocked(model.StatusPaused)
}

// exit classifies the end of a worker: cancelled while cancelling, done
// on success and error otherwise.
func (c *Controller) exit(ctx context.Context, r *run, err error) {
	c.mx.Lock()
	r.exited = true
	if r.grace != nil {
		r.grace.Stop()
	}
	r.cancel(nil)
	if c.run != r {
		c.mx.Unlock()
		slog.DebugContext(ctx, "detached worker exited", "error", err)
		return
	}
	c.run = nil

	var next model.Status
	switch {
	case c.task.Status == model.StatusCancelling:
		next = model.StatusCancelled
	case err == nil:
		next = model.StatusDone
	default:
		next = model.StatusError
		c.task.ErrorMessage = err.Error()
		slog.ErrorContext(ctx, "worker failed", "error", err)
	}
	if terr := c.transitionLocked(next); terr != nil {
		slog.ErrorContext(ctx, "unexpected worker exit", "status", c.task.Status, "error", errors.Join(terr, err))
		if c.task.ErrorMessage == "" {
			c.task.ErrorMessage = "worker exited while " + string(c.task.Status)
		}
		_ = c.transitionLocked(model.StatusError)
	}
	rec := c.recordLocked()
	c.mx.Unlock()

	c.finish(rec)
}

// forceCancel runs when the grace timeout expires before the worker exit.
func (c *Controller) forceCancel(r *run) {
	c.mx.Lock()
	if c.run != r || r.exited {
		c.mx.Unlock()
		return
	}
	slog.WarnContext(c.ctx, "worker ignored terminate: detaching", "task_id", c.task.ID)
	c.run = nil
	r.cancel(errForced)
	c.task.ErrorMessage = errForced.Error()
	_ = c.transitionLocked(model.StatusCancelled)
	rec := c.recordLocked()
	c.mx.Unlock()

	c.finish(rec)
}
