// Package eventlog is the append-only, per-generation ordered log of status
// and item events. It is the single source of ordering for every observer:
// the stream replays it after reconnect and pollers page through it.
package eventlog

import (
	"sync"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

const (
	DefaultPageLimit = 200
	MaxPageLimit     = 1000
)

// Notifier receives every appended event while the log is still locked,
// so it sees events in id order. It must not block.
type Notifier func(model.Event)

type Log struct {
	mx         sync.RWMutex
	generation uint64
	events     []model.Event // events[i].ID == i+1
	notify     Notifier
	now        func() time.Time
	pageLimit  int
}

type Option func(*Log)

func WithNotifier(n Notifier) Option {
	return func(l *Log) { l.notify = n }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithPageLimit sets the limit used when GetSince is called with limit <= 0.
func WithPageLimit(limit int) Option {
	return func(l *Log) {
		if limit > 0 {
			l.pageLimit = min(limit, MaxPageLimit)
		}
	}
}

func New(opts ...Option) *Log {
	l := &Log{
		now:       time.Now,
		pageLimit: DefaultPageLimit,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append assigns the next id of the current generation and stores the event.
func (l *Log) Append(p model.Payload) model.Event {
	l.mx.Lock()
	defer l.mx.Unlock()
	ev := model.Event{
		Generation: l.generation,
		ID:         uint64(len(l.events)) + 1,
		Timestamp:  l.now().UTC(),
		Payload:    p,
	}
	l.events = append(l.events, ev)
	if l.notify != nil {
		l.notify(ev)
	}
	return ev
}

// GetSince returns events with id > lastID in order, at most limit of them.
func (l *Log) GetSince(lastID uint64, limit int) model.Page {
	if limit <= 0 {
		limit = l.pageLimit
	}
	limit = min(limit, MaxPageLimit)

	l.mx.RLock()
	defer l.mx.RUnlock()
	page := model.Page{
		Generation: l.generation,
		LastID:     uint64(len(l.events)),
	}
	if lastID >= page.LastID {
		page.Events = []model.Event{}
		return page
	}
	end := min(lastID+uint64(limit), page.LastID)
	page.Events = append([]model.Event(nil), l.events[lastID:end]...)
	return page
}

// Recent returns up to n latest events.
func (l *Log) Recent(n int) []model.Event {
	l.mx.RLock()
	defer l.mx.RUnlock()
	if n <= 0 {
		return []model.Event{}
	}
	start := max(len(l.events)-n, 0)
	return append([]model.Event{}, l.events[start:]...)
}

// Reset drops every event and starts a new generation. Ids start at 1 again.
func (l *Log) Reset(generation uint64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.generation = generation
	l.events = nil
}

func (l *Log) Generation() uint64 {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return l.generation
}

func (l *Log) LastID() uint64 {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return uint64(len(l.events))
}
