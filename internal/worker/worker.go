// Package worker executes a sweep as a sequence of discrete units under
// the supervision of a controller.
//
// A unit is one subnet of a discovery or one batch of a health check. The
// worker reports through a Sink and honors the Control signal only between
// units:
//
//	Ready -> [checkpoint, wait limiter, Probe(unit) -> Item*, Progress]* -> return
//
// Run returns nil after the last unit, model.ErrTerminated when asked to
// terminate, or the first error of a Prober.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"

	"golang.org/x/time/rate"
)

// EmitFunc hands a partial item record to the supervisor.
type EmitFunc func(key string, attrs model.Attributes)

// Prober carries out exactly one unit.
type Prober interface {
	Probe(ctx context.Context, unit string, emit EmitFunc) error
}

type ProberFunc func(ctx context.Context, unit string, emit EmitFunc) error

func (f ProberFunc) Probe(ctx context.Context, unit string, emit EmitFunc) error {
	return f(ctx, unit, emit)
}

// Sink receives everything a worker reports.
type Sink interface {
	Ready()
	Item(unit, key string, attrs model.Attributes)
	Progress(p model.Progress)
	Suspended()
}

// UnitFunc observes the duration and outcome of each unit.
type UnitFunc func(d time.Duration, err error)

type Worker struct {
	prober  Prober
	control *Control
	sink    Sink
	limiter *rate.Limiter
	onUnit  UnitFunc
}

type Option func(*Worker)

func WithLimiter(l *rate.Limiter) Option {
	return func(w *Worker) { w.limiter = l }
}

func WithUnitFunc(fn UnitFunc) Option {
	return func(w *Worker) { w.onUnit = fn }
}

func New(prober Prober, control *Control, sink Sink, opts ...Option) *Worker {
	w := &Worker{
		prober:  prober,
		control: control,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Inf, 0),
		onUnit:  func(time.Duration, error) {},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// LimiterFor spaces units according to the sweep profile.
func LimiterFor(p model.Profile) *rate.Limiter {
	switch p {
	case model.ProfileSlow:
		return rate.NewLimiter(rate.Every(time.Second), 1)
	case model.ProfileFast:
		return rate.NewLimiter(rate.Inf, 0)
	default:
		return rate.NewLimiter(rate.Every(100*time.Millisecond), 1)
	}
}

func (w *Worker) Run(ctx context.Context, units []string) error {
	defer w.control.markExited()

	w.sink.Ready()
	total := len(units)
	for i, unit := range units {
		if err := w.control.checkpoint(ctx, w.sink.Suspended); err != nil {
			return err
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for unit %s: %w", unit, err)
		}

		start := time.Now()
		err := w.prober.Probe(ctx, unit, func(key string, attrs model.Attributes) {
			w.sink.Item(unit, key, attrs)
		})
		w.onUnit(time.Since(start), err)
		if err != nil {
			return fmt.Errorf("unit %s: %w", unit, err)
		}
		w.sink.Progress(model.Progress{Current: i + 1, Total: total})
	}
	return nil
}
