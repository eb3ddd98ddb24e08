// Package observer is the consumer side of a sweeper server.
//
// A Session holds what one observer has applied so far. Events are
// accepted from any path (stream, poll or both at once) and applied
// exactly once in increasing id order, so every observer that sees the
// same generation converges to the same status and result set.
package observer

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

type Session struct {
	mx          sync.Mutex
	generation  uint64
	lastApplied uint64
	pending     map[uint64]model.Event
	task        model.Task
	items       map[string]model.Attributes
	intents     []*Intent
}

func NewSession() *Session {
	return &Session{
		pending: make(map[uint64]model.Event),
		items:   make(map[string]model.Attributes),
	}
}

// Offer hands delivered events to the session and returns how many of
// them were applied. Duplicates, ids already applied and events of an
// older generation are dropped. Events ahead of a gap wait in the reorder
// buffer until the gap is filled. An event of a newer generation discards
// everything and starts over.
func (s *Session) Offer(events ...model.Event) int {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, e := range events {
		switch {
		case e.Generation > s.generation:
			s.resetLocked(e.Generation)
		case e.Generation < s.generation:
			continue
		}
		if e.ID <= s.lastApplied {
			continue
		}
		s.pending[e.ID] = e
	}

	applied := 0
	for {
		e, ok := s.pending[s.lastApplied+1]
		if !ok {
			break
		}
		delete(s.pending, e.ID)
		s.applyLocked(e)
		applied++
	}
	s.reconcileLocked()
	return applied
}

// Resync moves the session to generation, dropping all local state if it
// differs from the current one. It is used when the server tells the
// observer it fell behind or a snapshot reports a new generation.
func (s *Session) Resync(generation uint64) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if generation != s.generation {
		s.resetLocked(generation)
		s.reconcileLocked()
	}
}

// Missing reports whether events are buffered behind a gap, which the
// caller should fill with an events(since) query.
func (s *Session) Missing() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.pending) > 0
}

func (s *Session) Generation() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.generation
}

// LastApplied is the lastAppliedEventId of the session.
func (s *Session) LastApplied() uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.lastApplied
}

func (s *Session) Task() model.Task {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.task.Clone()
}

// Status is the authoritative status as of the last applied event.
func (s *Session) Status() model.Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.statusLocked()
}

// DisplayStatus is Status overridden by the newest command still waiting
// for its outcome.
func (s *Session) DisplayStatus() model.Status {
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, in := range slices.Backward(s.intents) {
		if in.Outcome() == Optimistic {
			return in.Target
		}
	}
	return s.statusLocked()
}

// Results returns the merged items in key order.
func (s *Session) Results() []model.Item {
	s.mx.Lock()
	defer s.mx.Unlock()
	keys := slices.SortedFunc(maps.Keys(s.items), model.CompareKeys)
	out := make([]model.Item, 0, len(keys))
	for _, k := range keys {
		out = append(out, model.Item{Key: k, Attributes: maps.Clone(s.items[k])})
	}
	return out
}

// Expect registers the optimistic outcome of a control command the server
// has acknowledged at event id after of generation.
func (s *Session) Expect(command string, target model.Status, generation, after uint64, deadline time.Time) *Intent {
	in := &Intent{
		Command:    command,
		Target:     target,
		Generation: generation,
		After:      after,
		Deadline:   deadline,
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.intents = append(s.intents, in)
	s.reconcileLocked()
	return in
}

// Expire reverts every intent still optimistic after its deadline and
// returns them. It is the fallback for a channel that stopped delivering.
func (s *Session) Expire(now time.Time) []*Intent {
	s.mx.Lock()
	defer s.mx.Unlock()
	var expired []*Intent
	s.intents = slices.DeleteFunc(s.intents, func(in *Intent) bool {
		if in.Outcome() != Optimistic || in.Deadline.IsZero() || now.Before(in.Deadline) {
			return false
		}
		in.resolve(Reverted, s.lastApplied)
		expired = append(expired, in)
		return true
	})
	return expired
}

func (s *Session) statusLocked() model.Status {
	if s.task.Status == "" {
		return model.StatusIdle
	}
	return s.task.Status
}

func (s *Session) resetLocked(generation uint64) {
	s.generation = generation
	s.lastApplied = 0
	clear(s.pending)
	clear(s.items)
	s.task = model.Task{Generation: generation, Status: model.StatusIdle}
}

func (s *Session) applyLocked(e model.Event) {
	switch p := e.Payload.(type) {
	case model.StatusPayload:
		s.task = p.Task.Clone()
	case model.ItemPayload:
		s.items[p.Key] = s.items[p.Key].Merge(p.Attributes)
	}
	s.lastApplied = e.ID
}

func (s *Session) reconcileLocked() {
	s.intents = slices.DeleteFunc(s.intents, func(in *Intent) bool {
		in.reconcile(s.generation, s.lastApplied, s.statusLocked())
		return in.Outcome() != Optimistic
	})
}
