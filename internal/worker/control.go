package worker

import (
	"context"
	"sync"

	"github.com/CZERTAINLY/Sweeper/internal/model"
)

type signal int

const (
	sigContinue signal = iota
	sigSuspend
	sigTerminate
)

func (s signal) String() string {
	switch s {
	case sigContinue:
		return "continue"
	case sigSuspend:
		return "suspend"
	case sigTerminate:
		return "terminate"
	}
	return "unknown"
}

// Control is the signal a supervisor uses to steer a running Worker. The
// worker reads it only between units, so a unit is never interrupted by it.
type Control struct {
	mx     sync.Mutex
	sig    signal
	wake   chan struct{} // closed and replaced on every change
	exited chan struct{}
	once   sync.Once
}

func NewControl() *Control {
	return &Control{
		wake:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Suspend asks the worker to stop at the next unit boundary. It returns
// false when the worker exited or is terminating.
func (c *Control) Suspend() bool {
	return c.set(sigSuspend)
}

// Resume lets a suspended worker continue.
func (c *Control) Resume() bool {
	return c.set(sigContinue)
}

// Terminate asks the worker to exit at the next unit boundary. It is sticky.
func (c *Control) Terminate() {
	c.set(sigTerminate)
}

// Exited is closed once the worker returned.
func (c *Control) Exited() <-chan struct{} {
	return c.exited
}

func (c *Control) Alive() bool {
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

func (c *Control) String() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.sig.String()
}

func (c *Control) set(sig signal) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if !c.Alive() || c.sig == sigTerminate {
		return false
	}
	if c.sig != sig {
		c.sig = sig
		close(c.wake)
		c.wake = make(chan struct{})
	}
	return true
}

func (c *Control) markExited() {
	c.once.Do(func() { close(c.exited) })
}

// checkpoint returns nil to continue with the next unit. While suspended it
// blocks until resumed, terminated or ctx ends. onSuspend is called on
// entry and again whenever a wake still finds the worker suspended, as
// that wake was a resume overtaken by a new suspend.
func (c *Control) checkpoint(ctx context.Context, onSuspend func()) error {
	for {
		c.mx.Lock()
		sig, wake := c.sig, c.wake
		c.mx.Unlock()

		switch sig {
		case sigContinue:
			return nil
		case sigTerminate:
			return model.ErrTerminated
		}
		onSuspend()
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-wake:
		}
	}
}
