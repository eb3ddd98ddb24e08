package observer

import (
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

type Outcome int32

const (
	// Optimistic shows the command target until the event stream decides.
	Optimistic Outcome = iota
	Confirmed
	Reverted
)

func (o Outcome) String() string {
	switch o {
	case Optimistic:
		return "optimistic"
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	}
	return "unknown"
}

// Intent is one acknowledged control command whose effect is not yet
// visible in the applied events. It is resolved by event ids, never by
// the time an event arrived. Deadline only matters to Session.Expire.
type Intent struct {
	Command    string
	Target     model.Status
	Generation uint64
	After      uint64
	Deadline   time.Time

	outcome    atomic.Int32
	resolvedAt atomic.Uint64
}

func (in *Intent) Outcome() Outcome {
	return Outcome(in.outcome.Load())
}

// ResolvedAt is the last applied event id when the intent was resolved.
func (in *Intent) ResolvedAt() uint64 {
	return in.resolvedAt.Load()
}

// reconcile compares the intent with the applied state. Nothing is
// decided before the session reached the acknowledged event id. Then the
// target status confirms the intent and any state the target can no
// longer follow from reverts it.
func (in *Intent) reconcile(generation, lastApplied uint64, status model.Status) {
	if in.Outcome() != Optimistic {
		return
	}
	switch {
	case generation < in.Generation:
		return
	case generation > in.Generation:
		in.resolve(Reverted, lastApplied)
		return
	case lastApplied < in.After:
		return
	}
	switch {
	case status == in.Target:
		in.resolve(Confirmed, lastApplied)
	case status.IsTerminal() || status == model.StatusIdle:
		in.resolve(Reverted, lastApplied)
	}
}

func (in *Intent) resolve(o Outcome, at uint64) {
	if in.outcome.CompareAndSwap(int32(Optimistic), int32(o)) {
		in.resolvedAt.Store(at)
	}
}
