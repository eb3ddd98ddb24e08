package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Sweeper/internal/broadcast"
	"github.com/CZERTAINLY/Sweeper/internal/dedup"
	"github.com/CZERTAINLY/Sweeper/internal/eventlog"
	"github.com/CZERTAINLY/Sweeper/internal/log"
	"github.com/CZERTAINLY/Sweeper/internal/metrics"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/retry"
	"github.com/CZERTAINLY/Sweeper/internal/worker"
)

var ErrClosed = errors.New("controller closed")

var (
	errRace       = errors.New("worker not available")
	errForced     = errors.New("worker did not exit within grace timeout")
	errSuperseded = errors.New("superseded by a forced start")
)

// Planner resolves start parameters into a prober and its work units.
type Planner interface {
	Plan(ctx context.Context, params model.Params) (worker.Prober, []string, error)
}

type PlannerFunc func(ctx context.Context, params model.Params) (worker.Prober, []string, error)

func (f PlannerFunc) Plan(ctx context.Context, params model.Params) (worker.Prober, []string, error) {
	return f(ctx, params)
}

// Record is handed to finish hooks once a task reaches a terminal state.
type Record struct {
	Task  model.Task
	Items []model.Item
}

type FinishFunc func(ctx context.Context, rec Record)

type StartFunc func(ctx context.Context, task model.Task)

type Options struct {
	GraceTimeout time.Duration
	PauseRetry   retry.Policy
	StreamBuffer int
	RecentEvents int
	PageLimit    int
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		GraceTimeout: 10 * time.Second,
		PauseRetry:   retry.PauseRace,
		StreamBuffer: broadcast.DefaultBufferSize,
		RecentEvents: 50,
		PageLimit:    eventlog.DefaultPageLimit,
		Now:          time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.GraceTimeout <= 0 {
		o.GraceTimeout = d.GraceTimeout
	}
	if o.PauseRetry.MaxAttempts <= 0 {
		o.PauseRetry = d.PauseRetry
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = d.StreamBuffer
	}
	if o.RecentEvents <= 0 {
		o.RecentEvents = d.RecentEvents
	}
	if o.PageLimit <= 0 {
		o.PageLimit = d.PageLimit
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// run is one supervised worker. It is detached when c.run no longer
// points to it, and everything it reports afterwards is ignored.
type run struct {
	control *worker.Control
	cancel  context.CancelCauseFunc
	grace   *time.Timer
	exited  bool
}

// Controller owns the task state machine, the event log and the merged
// result set. All transitions and appends happen under mx, readers use
// the snapshot, the log or the deduper and never wait for mx.
type Controller struct {
	mx         sync.Mutex
	task       model.Task
	run        *run
	generation uint64
	closed     bool
	onStart    []StartFunc
	onFinish   []FinishFunc

	log    *eventlog.Log
	dedup  *dedup.Deduper
	broker *broadcast.Broker[model.Event]
	snap   atomic.Pointer[model.Snapshot]

	planner Planner
	opts    Options

	ctx  context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup
}

// New returns an idle controller. ctx carries logging attributes only,
// workers are stopped by Close.
func New(ctx context.Context, planner Planner, opts Options) *Controller {
	opts = opts.withDefaults()
	c := &Controller{
		planner: planner,
		opts:    opts,
		dedup:   dedup.New(),
	}
	c.broker = broadcast.NewBroker[model.Event](
		broadcast.WithBufferSize(opts.StreamBuffer),
		broadcast.WithHooks(opts.Metrics),
	)
	c.log = eventlog.New(
		eventlog.WithNotifier(c.notify),
		eventlog.WithClock(opts.Now),
		eventlog.WithPageLimit(opts.PageLimit),
	)
	c.ctx, c.stop = context.WithCancelCause(context.WithoutCancel(ctx))

	c.generation = 1
	c.log.Reset(c.generation)
	c.task = model.Task{Generation: c.generation, Status: model.StatusIdle}
	c.refreshLocked()
	return c
}

// OnStart registers fn to be called, outside of any lock, with every
// started task.
func (c *Controller) OnStart(fn StartFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onStart = append(c.onStart, fn)
}

// OnFinish registers fn to be called, outside of any lock, for every task
// reaching done, cancelled or error.
func (c *Controller) OnFinish(fn FinishFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onFinish = append(c.onFinish, fn)
}

// Start creates a new generation and spawns its worker. It returns
// model.ErrConflict while a task is active unless force is set, in which
// case the active worker is detached and its task recorded as cancelled.
func (c *Controller) Start(ctx context.Context, params model.Params, force bool) (id string, err error) {
	defer func() { c.opts.Metrics.Command("start", err) }()

	prober, units, err := c.planner.Plan(ctx, params)
	if err != nil {
		return "", fmt.Errorf("start: %w: %w", model.ErrInvalidParams, err)
	}
	if len(units) == 0 {
		return "", fmt.Errorf("start: %w: nothing to sweep", model.ErrInvalidParams)
	}

	task, hooks, superseded, err := c.start(params, force, prober, units)
	if superseded != nil {
		slog.WarnContext(ctx, "active task superseded", "task_id", superseded.Task.ID)
		c.finish(*superseded)
	}
	if err != nil {
		return "", err
	}
	slog.InfoContext(ctx, "task started", "task_id", task.ID, "kind", params.Kind, "units", len(units))
	for _, fn := range hooks {
		fn(ctx, task)
	}
	return task.ID, nil
}

func (c *Controller) start(params model.Params, force bool, prober worker.Prober, units []string) (model.Task, []StartFunc, *Record, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return model.Task{}, nil, nil, fmt.Errorf("start: %w", ErrClosed)
	}

	var superseded *Record
	if !c.task.Status.Startable() {
		if !force {
			return model.Task{}, nil, nil, fmt.Errorf("start: %w: task %s is %s", model.ErrConflict, c.task.ID, c.task.Status)
		}
		superseded = c.detachLocked(errSuperseded)
	}

	c.newGenerationLocked()
	now := c.opts.Now()
	c.task = model.Task{
		ID:         uuid.NewString(),
		Generation: c.generation,
		Status:     model.StatusIdle,
		Params:     params.Clone(),
		Progress:   model.Progress{Total: len(units)},
		StartedAt:  &now,
	}
	if err := c.transitionLocked(model.StatusStarting); err != nil {
		return model.Task{}, nil, superseded, err
	}
	task := c.task.Clone()
	c.spawnLocked(prober, units)
	return task, slices.Clone(c.onStart), superseded, nil
}

// Pause asks the worker to suspend at its next unit boundary. The paused
// status is appended once the worker acknowledges. A pause racing the
// worker exit is re-checked by the PauseRetry policy and reported as
// model.ErrNoWorker if the task never becomes pausable.
func (c *Controller) Pause(ctx context.Context) (err error) {
	defer func() { c.opts.Metrics.Command("pause", err) }()

	err = c.tryPause(true)
	if !errors.Is(err, errRace) {
		return err
	}
	slog.DebugContext(ctx, "pause raced with the worker: re-checking")
	err = c.opts.PauseRetry.Do(ctx, func() error {
		if err := c.tryPause(false); !errors.Is(err, errRace) {
			return retry.Permanent(err)
		}
		return errRace
	})
	if errors.Is(err, errRace) {
		return fmt.Errorf("pause: %w: task is %s", model.ErrNoWorker, c.Snapshot().Status)
	}
	return err
}

func (c *Controller) tryPause(first bool) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	switch status := c.task.Status; status {
	case model.StatusPaused:
		return nil
	case model.StatusRunning:
		if c.run != nil && c.run.control.Suspend() {
			return nil
		}
		return errRace
	case model.StatusIdle, model.StatusDone:
		if first {
			return &model.TransitionError{Op: "pause", From: status, To: model.StatusPaused}
		}
		return errRace
	default:
		return errRace
	}
}

// Resume is valid only while paused.
func (c *Controller) Resume(_ context.Context) (err error) {
	defer func() { c.opts.Metrics.Command("resume", err) }()
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.task.Status != model.StatusPaused {
		return &model.TransitionError{Op: "resume", From: c.task.Status, To: model.StatusRunning}
	}
	if c.run == nil || !c.run.control.Resume() {
		return fmt.Errorf("resume: %w", model.ErrNoWorker)
	}
	return c.transitionLocked(model.StatusRunning)
}

// Cancel asks the worker to terminate and appends cancelling at once. If
// the worker does not exit within the grace timeout it is detached and the
// task is cancelled anyway. Cancel of a task which is not starting,
// running or paused is a no-op.
func (c *Controller) Cancel(ctx context.Context) (err error) {
	defer func() { c.opts.Metrics.Command("cancel", err) }()
	c.mx.Lock()
	switch c.task.Status {
	case model.StatusStarting, model.StatusRunning, model.StatusPaused:
	default:
		c.mx.Unlock()
		return nil
	}
	if err := c.transitionLocked(model.StatusCancelling); err != nil {
		c.mx.Unlock()
		return err
	}
	r := c.run
	if r == nil {
		_ = c.transitionLocked(model.StatusCancelled)
		rec := c.recordLocked()
		c.mx.Unlock()
		c.finish(rec)
		return nil
	}
	r.control.Terminate()
	r.grace = time.AfterFunc(c.opts.GraceTimeout, func() { c.forceCancel(r) })
	c.mx.Unlock()

	slog.InfoContext(ctx, "task cancelling", "grace", c.opts.GraceTimeout.String())
	return nil
}

// Reset returns a terminal task to idle and starts a new, empty generation.
func (c *Controller) Reset(_ context.Context) (err error) {
	defer func() { c.opts.Metrics.Command("reset", err) }()
	c.mx.Lock()
	defer c.mx.Unlock()
	from := c.task.Status
	if !from.IsTerminal() {
		return &model.TransitionError{Op: "reset", From: from, To: model.StatusIdle}
	}
	c.newGenerationLocked()
	c.task = model.Task{Generation: c.generation, Status: model.StatusIdle}
	c.opts.Metrics.Transition(from, model.StatusIdle)
	c.appendStatusLocked()
	return nil
}

// Snapshot returns the last committed state. It never blocks on the
// controller. The returned value must not be modified.
func (c *Controller) Snapshot() model.Snapshot {
	return *c.snap.Load()
}

// Task returns a copy of the current task.
func (c *Controller) Task() model.Task {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.task.Clone()
}

// Events pages through the event log. A generation other than the current
// one restarts the page from the beginning of the current generation.
func (c *Controller) Events(generation, since uint64, limit int) model.Page {
	if generation != 0 && generation != c.log.Generation() {
		since = 0
	}
	return c.log.GetSince(since, limit)
}

// Subscribe registers a stream subscriber for events appended from now on.
func (c *Controller) Subscribe(ctx context.Context) *broadcast.Subscription[model.Event] {
	return c.broker.Subscribe(ctx)
}

// Results returns the merged items tagged against known.
func (c *Controller) Results(known model.Membership) []model.Item {
	return c.dedup.Snapshot(known)
}

// Wait blocks until no task is active and returns it.
func (c *Controller) Wait(ctx context.Context) (model.Task, error) {
	for {
		t, dropped, err := c.waitOnce(ctx)
		if !dropped {
			return t, err
		}
	}
}

// waitOnce follows one subscription, which is released on return. dropped
// reports a slow subscriber that has to subscribe again.
func (c *Controller) waitOnce(ctx context.Context) (model.Task, bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := c.broker.Subscribe(subCtx)
	for {
		if t := c.Task(); !t.Status.IsActive() {
			return t, false, nil
		}
		if _, ok := <-sub.C(); !ok {
			break
		}
	}
	switch {
	case ctx.Err() != nil:
		return c.Task(), false, context.Cause(ctx)
	case errors.Is(sub.Err(), broadcast.ErrClosed):
		t := c.Task()
		if t.Status.IsActive() {
			return t, false, ErrClosed
		}
		return t, false, nil
	}
	return model.Task{}, true, nil
}

// Close cancels the active task, waits for workers and finish hooks, and
// closes every stream subscription.
func (c *Controller) Close(ctx context.Context) error {
	c.mx.Lock()
	c.closed = true
	if r := c.run; r != nil {
		if c.task.Status != model.StatusCancelling {
			_ = c.transitionLocked(model.StatusCancelling)
		}
		r.control.Terminate()
		if r.grace != nil {
			r.grace.Stop()
		}
		r.cancel(ErrClosed)
	}
	c.mx.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for workers: %w", context.Cause(ctx))
	}
	c.stop(ErrClosed)
	c.broker.Close()
	return err
}

func (c *Controller) spawnLocked(prober worker.Prober, units []string) {
	ctx, cancel := context.WithCancelCause(c.ctx)
	ctx = log.ContextAttrs(ctx,
		slog.String("task_id", c.task.ID),
		slog.Uint64("generation", c.generation),
	)
	r := &run{
		control: worker.NewControl(),
		cancel:  cancel,
	}
	c.run = r
	w := worker.New(prober, r.control, sink{c: c, r: r},
		worker.WithLimiter(worker.LimiterFor(c.task.Params.Profile)),
		worker.WithUnitFunc(c.opts.Metrics.Unit),
	)
	c.wg.Go(func() {
		err := w.Run(ctx, units)
		c.exit(ctx, r, err)
	})
}

// detachLocked stops the current worker without waiting for it and returns
// the record of the task it was running.
func (c *Controller) detachLocked(cause error) *Record {
	if r := c.run; r != nil {
		r.control.Terminate()
		if r.grace != nil {
			r.grace.Stop()
		}
		r.cancel(cause)
		c.run = nil
	}
	now := c.opts.Now()
	rec := c.recordLocked()
	rec.Task.Status = model.StatusCancelled
	rec.Task.EndedAt = &now
	rec.Task.ErrorMessage = cause.Error()
	return &rec
}

func (c *Controller) newGenerationLocked() {
	c.generation++
	c.log.Reset(c.generation)
	c.dedup.Reset()
}

func (c *Controller) transitionLocked(to model.Status) error {
	from := c.task.Status
	if err := from.ValidateTransition(to); err != nil {
		return err
	}
	c.task.Status = to
	if to.IsTerminal() {
		now := c.opts.Now()
		c.task.EndedAt = &now
	}
	c.opts.Metrics.Transition(from, to)
	c.appendStatusLocked()
	return nil
}

func (c *Controller) appendStatusLocked() {
	c.log.Append(model.StatusPayload{Task: c.task.Clone()})
	c.refreshLocked()
}

func (c *Controller) refreshLocked() {
	t := c.task.Clone()
	lastID := c.log.LastID()
	c.snap.Store(&model.Snapshot{
		Generation:        c.generation,
		TaskID:            t.ID,
		Status:            t.Status,
		Progress:          t.Progress,
		Params:            t.Params,
		Counters:          model.Counters{Items: c.dedup.Len(), Events: lastID},
		CountersByKeyHint: c.dedup.Counters(),
		ErrorMessage:      t.ErrorMessage,
		StartedAt:         t.StartedAt,
		EndedAt:           t.EndedAt,
		LastEventID:       lastID,
		RecentEvents:      c.log.Recent(c.opts.RecentEvents),
	})
}

func (c *Controller) recordLocked() Record {
	return Record{
		Task:  c.task.Clone(),
		Items: c.dedup.Snapshot(nil),
	}
}

func (c *Controller) notify(e model.Event) {
	c.opts.Metrics.Event(e.Type())
	c.broker.Publish(e)
}

func (c *Controller) finish(rec Record) {
	c.mx.Lock()
	hooks := slices.Clone(c.onFinish)
	c.mx.Unlock()
	slog.InfoContext(c.ctx, "task finished",
		"task_id", rec.Task.ID,
		"status", rec.Task.Status,
		"items", len(rec.Items),
		"error", rec.Task.ErrorMessage,
	)
	if len(hooks) == 0 {
		return
	}
	ctx := context.WithoutCancel(c.ctx)
	c.wg.Go(func() {
		for _, fn := range hooks {
			fn(ctx, rec)
		}
	})
}
