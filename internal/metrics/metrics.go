// Package metrics exposes Prometheus collectors reporting sweep activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

const (
	namespace = "sweeper"
	subsystem = "controller"
)

// Metrics is safe to use as a nil pointer, every method is then a no-op.
type Metrics struct {
	events       *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	commands     *prometheus.CounterVec
	delivered    prometheus.Counter
	dropped      prometheus.Counter
	subscribers  prometheus.Gauge
	unitDuration *prometheus.HistogramVec
}

// MustNewMetrics registers the collectors with reg and panics on a
// registration error. Tests should pass a fresh prometheus.NewRegistry().
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "events_appended_total",
				Help:      "Events appended to the event log by type.",
			},
			[]string{"type"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "transitions_total",
				Help:      "Task status transitions.",
			},
			[]string{"from", "to"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "commands_total",
				Help:      "Control commands by outcome.",
			},
			[]string{"command", "outcome"},
		),
		delivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "delivered_total",
				Help:      "Events delivered to stream subscribers.",
			},
		),
		dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "dropped_subscribers_total",
				Help:      "Stream subscribers dropped because their buffer was full.",
			},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Currently connected stream subscribers.",
			},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "unit_duration_seconds",
				Help:      "Duration of a single work unit.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
	}

	collectors := []prometheus.Collector{m.events, m.transitions, m.commands, m.delivered, m.dropped, m.subscribers, m.unitDuration}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			panic(err)
		}
	}
	return m
}

func (m *Metrics) Event(t model.EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) Transition(from, to model.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Command counts a control command, the outcome label is the error code.
func (m *Metrics) Command(name string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = model.ErrorCode(err)
	}
	m.commands.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) Unit(d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, model.ErrTerminated):
		outcome = "terminated"
	case err != nil:
		outcome = "error"
	}
	m.unitDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Delivered, Dropped and Subscribers implement broadcast.Hooks.
func (m *Metrics) Delivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Subscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
