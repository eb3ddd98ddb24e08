package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Sweeper/internal/api"
	"github.com/CZERTAINLY/Sweeper/internal/metrics"
	"github.com/CZERTAINLY/Sweeper/internal/model"
	"github.com/CZERTAINLY/Sweeper/internal/store"
	"github.com/CZERTAINLY/Sweeper/internal/sweep"
)

const shutdownTimeout = 5 * time.Second

type Supervisor struct {
	ctrl      *sweep.Controller
	defaults  model.Params
	uploaders []model.Uploader
	oneshot   bool
	scheduler gocron.Scheduler
	db        *sql.DB
	registry  *prometheus.Registry

	addr     string
	listener net.Listener
	server   *http.Server

	start    chan struct{}
	finished chan sweep.Record
	done     chan struct{}
	grace    time.Duration
}

type Option func(*Supervisor)

// WithListener serves the API on ln instead of service.listen.
func WithListener(ln net.Listener) Option {
	return func(s *Supervisor) { s.listener = ln }
}

// WithUploaders replaces the uploaders of the configuration.
func WithUploaders(uploaders ...model.Uploader) Option {
	return func(s *Supervisor) { s.uploaders = uploaders }
}

func NewSupervisor(ctx context.Context, cfg model.Config, opts ...Option) (*Supervisor, error) {
	svcCfg := cfg.Service
	s := &Supervisor{
		defaults: cfg.Sweep.Params(),
		registry: prometheus.NewRegistry(),
		start:    make(chan struct{}, 1),
		finished: make(chan sweep.Record, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	var addr model.TCPAddr
	if err := addr.UnmarshalText([]byte(getOr(svcCfg.Listen, model.DefaultListen))); err != nil {
		return nil, fmt.Errorf("parsing service.listen: %w", err)
	}
	s.addr = addr.String()

	if s.uploaders == nil {
		uploaders, err := uploaders(ctx, svcCfg)
		if err != nil {
			return nil, fmt.Errorf("initializing uploaders: %w", err)
		}
		s.uploaders = uploaders
	}

	if svcCfg.Mode == model.ServiceModeTimer {
		scheduler, err := newScheduler(ctx, svcCfg.Schedule, s.Start)
		if err != nil {
			s.closeUploaders(ctx)
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		s.scheduler = scheduler
	}

	ctrlOpts, err := ControllerOptions(cfg.Controller)
	if err != nil {
		s.closeUploaders(ctx)
		return nil, err
	}
	ctrlOpts.Metrics = metrics.MustNewMetrics(s.registry)
	s.grace = ctrlOpts.GraceTimeout

	planner, err := NewPlanner(cfg.Sweep)
	if err != nil {
		s.closeUploaders(ctx)
		return nil, err
	}
	s.ctrl = sweep.New(ctx, planner, ctrlOpts)

	apiOpts := []api.Option{
		api.WithDefaults(s.defaults),
		api.WithGatherer(s.registry),
	}
	if path := get(svcCfg.History); path != "" {
		if err := s.openHistory(ctx, path); err != nil {
			s.closeUploaders(ctx)
			return nil, err
		}
		apiOpts = append(apiOpts, api.WithHistory(history{db: s.db}))
	}
	s.ctrl.OnFinish(s.deliver)

	s.server = &http.Server{
		Handler:           api.New(s.ctrl, apiOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetOneshot makes Do run a single sweep with the configured defaults and
// return once it finished. The HTTP API is not served.
func (s *Supervisor) SetOneshot(oneshot bool) *Supervisor {
	s.oneshot = oneshot
	return s
}

// Controller exposes the controller, e.g. to follow a oneshot sweep.
func (s *Supervisor) Controller() *sweep.Controller {
	return s.ctrl
}

// Start tells supervisor to start a new sweep - this hints as a signal, so
// this ends immediately and without any error. A signal is dropped while
// another one is pending.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers (scheduler or oneshot) - the sweep defaults are started
//     unless a sweep is active.
//  2. Finished sweeps - a done sweep is exported to every uploader, others
//     are logged.
//  3. Context cancellation - terminates the loop and begins shutdown.
//
// In oneshot mode the sweep is started on entry and its failure or the
// upload error is returned. In other modes errors are only logged, the API
// is served and the loop runs until ctx is cancelled.
//
// Shutdown order: scheduler -> http server -> controller -> uploaders ->
// history.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "oneshot", s.oneshot)

	defer s.closeHistory(ctx)
	defer s.closeUploaders(ctx)
	defer s.closeController(ctx)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if !s.oneshot {
		g.Go(func() error {
			return s.serve(gctx)
		})
	}
	g.Go(func() error {
		return s.loop(gctx)
	})
	return g.Wait()
}

func (s *Supervisor) loop(ctx context.Context) error {
	if s.oneshot {
		s.Start()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			err := s.callStart(ctx)
			if err != nil {
				if s.oneshot {
					return err
				}
				slog.ErrorContext(ctx, "start returned", "error", err)
			}
		case rec := <-s.finished:
			err := s.handleRecord(ctx, rec)
			if s.oneshot {
				return err
			}
			if err != nil {
				slog.ErrorContext(ctx, "sweep not exported", "task_id", rec.Task.ID, "error", err)
			}
		}
	}
}

// serve runs the HTTP API until ctx is done. Open streams are closed by
// cancelling the base context of their requests.
func (s *Supervisor) serve(ctx context.Context) error {
	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.addr, err)
		}
	}
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	s.server.BaseContext = func(net.Listener) context.Context { return base }

	errc := make(chan error, 1)
	go func() {
		errc <- s.server.Serve(ln)
	}()
	slog.InfoContext(ctx, "serving sweep api", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "shutting down http server has failed", "error", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Supervisor) callStart(ctx context.Context) error {
	id, err := s.ctrl.Start(ctx, s.defaults, false)
	if errors.Is(err, model.ErrConflict) && !s.oneshot {
		slog.WarnContext(ctx, "sweep still active: skipping", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "sweep triggered", "task_id", id)
	return nil
}

func (s *Supervisor) handleRecord(ctx context.Context, rec sweep.Record) error {
	if rec.Task.Status != model.StatusDone {
		slog.ErrorContext(ctx, "sweep have failed",
			"task_id", rec.Task.ID,
			"status", rec.Task.Status,
			"reason", rec.Task.ErrorMessage,
		)
		return fmt.Errorf("sweep %s: %s", rec.Task.Status, rec.Task.ErrorMessage)
	}
	raw, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "sweep succeeded: uploading", "task_id", rec.Task.ID, "items", len(rec.Items))
	return s.upload(ctx, raw)
}

// deliver is the finish hook of the controller.
func (s *Supervisor) deliver(_ context.Context, rec sweep.Record) {
	select {
	case s.finished <- rec:
	case <-s.done:
	}
}

func (s *Supervisor) upload(ctx context.Context, raw []byte) error {
	var errs []error
	for _, u := range s.uploaders {
		err := u.Upload(ctx, raw)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) closeController(ctx context.Context) {
	close(s.done)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.grace+shutdownTimeout)
	defer cancel()
	if err := s.ctrl.Close(closeCtx); err != nil {
		slog.ErrorContext(ctx, "closing controller have failed", "error", err)
	}
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

// openHistory opens the sweep database, marks sweeps interrupted by a
// previous process and records every task from now on.
func (s *Supervisor) openHistory(ctx context.Context, path string) error {
	db, err := store.InitDB(ctx, path)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	n, err := store.Abandon(ctx, db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("abandoning interrupted sweeps: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "sweeps interrupted by a restart", "count", n)
	}
	s.db = db

	s.ctrl.OnStart(func(ctx context.Context, task model.Task) {
		if err := store.Start(ctx, db, task); err != nil {
			slog.ErrorContext(ctx, "storing sweep start failed", "task_id", task.ID, "error", err)
		}
	})
	s.ctrl.OnFinish(func(ctx context.Context, rec sweep.Record) {
		if err := store.Finish(ctx, db, rec.Task, rec.Items); err != nil {
			slog.ErrorContext(ctx, "storing sweep result failed", "task_id", rec.Task.ID, "error", err)
		}
	})
	return nil
}

// history serves the sweep database to the API.
type history struct {
	db *sql.DB
}

func (h history) List(ctx context.Context, limit int) ([]store.SweepRow, error) {
	return store.List(ctx, h.db, limit)
}

func (h history) Get(ctx context.Context, id string) (store.SweepRow, error) {
	return store.Get(ctx, h.db, id)
}

// Delete refuses a sweep still in progress, its finish would have nothing
// to update.
func (h history) Delete(ctx context.Context, id string) error {
	row, err := store.Get(ctx, h.db, id)
	if err != nil {
		return err
	}
	if row.InProgress {
		return fmt.Errorf("%w: sweep %s is in progress", model.ErrConflict, id)
	}
	return store.Delete(ctx, h.db, id)
}

func (s *Supervisor) closeHistory(ctx context.Context) {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		slog.ErrorContext(ctx, "closing history have failed", "error", err)
	}
}

func newScheduler(ctx context.Context, cfgp *model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	expr, every, err := cfgp.Resolve()
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if expr != "" {
		job = gocron.CronJob(expr, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", expr)
	} else {
		job = gocron.DurationJob(every)
		slog.DebugContext(ctx, "successfully parsed", "duration", every.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	repoEnabled := cfg.Repository != nil && getOr(cfg.Repository.Enabled, true)
	if get(cfg.Dir) == "" && !repoEnabled {
		return []model.Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var uploaders []model.Uploader
	if dir := get(cfg.Dir); dir != "" {
		u, err := NewOSRootUploader(dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}

	if repoEnabled {
		u, err := NewRepoUploader(cfg.Repository.URL, cfg.Repository.Auth)
		if err != nil {
			for _, prev := range uploaders {
				if c, ok := prev.(model.UploadCloser); ok {
					_ = c.Close()
				}
			}
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "sweeper-" + u.now().Format("2006-01-02-15-04-05.000") + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating sweep results: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving sweep results: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing sweep results: %w", err)
	}
	slog.InfoContext(ctx, "sweep results saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
