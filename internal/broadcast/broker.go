// Package broadcast fans published values out to subscribers without ever
// blocking the publisher. A subscriber that cannot keep up is dropped and is
// expected to resynchronize from the event log.
package broadcast

import (
	"context"
	"errors"
	"sync"
)

const DefaultBufferSize = 64

var (
	ErrSlowSubscriber = errors.New("subscriber dropped: buffer full")
	ErrClosed         = errors.New("broker closed")
)

// Hooks observe broker activity, e.g. to export metrics.
type Hooks interface {
	Delivered()
	Dropped()
	Subscribers(n int)
}

type noHooks struct{}

func (noHooks) Delivered()      {}
func (noHooks) Dropped()        {}
func (noHooks) Subscribers(int) {}

// Subscription is a bounded channel registered with a Broker. C is closed
// when the context ends, the subscriber is dropped or the broker closes.
type Subscription[T any] struct {
	ch   chan T
	stop func() bool
	mx   sync.Mutex
	err  error
}

func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Err reports why C was closed: nil for a cancelled context,
// ErrSlowSubscriber or ErrClosed otherwise.
func (s *Subscription[T]) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

type Broker[T any] struct {
	mx         sync.Mutex
	subs       map[*Subscription[T]]struct{}
	closed     bool
	bufferSize int
	hooks      Hooks
}

type Option func(*options)

type options struct {
	bufferSize int
	hooks      Hooks
}

func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		if h != nil {
			o.hooks = h
		}
	}
}

func NewBroker[T any](opts ...Option) *Broker[T] {
	o := options{bufferSize: DefaultBufferSize, hooks: noHooks{}}
	for _, fn := range opts {
		fn(&o)
	}
	return &Broker[T]{
		subs:       make(map[*Subscription[T]]struct{}),
		bufferSize: o.bufferSize,
		hooks:      o.hooks,
	}
}

// Subscribe registers a new subscription, removed once ctx is done.
func (b *Broker[T]) Subscribe(ctx context.Context) *Subscription[T] {
	sub := &Subscription[T]{
		ch: make(chan T, b.bufferSize),
	}

	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		sub.err = ErrClosed
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.hooks.Subscribers(len(b.subs))
	sub.stop = context.AfterFunc(ctx, func() {
		b.mx.Lock()
		defer b.mx.Unlock()
		b.removeLocked(sub, nil)
	})
	return sub
}

// Publish offers v to every subscriber. A subscriber with a full buffer is
// dropped instead of being waited for.
func (b *Broker[T]) Publish(v T) {
	b.mx.Lock()
	defer b.mx.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- v:
			b.hooks.Delivered()
		default:
			b.hooks.Dropped()
			b.removeLocked(sub, ErrSlowSubscriber)
		}
	}
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Broker[T]) Close() {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		b.removeLocked(sub, ErrClosed)
	}
}

func (b *Broker[T]) SubscriberCount() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return len(b.subs)
}

func (b *Broker[T]) removeLocked(sub *Subscription[T], reason error) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	if sub.stop != nil {
		sub.stop()
	}
	sub.mx.Lock()
	sub.err = reason
	sub.mx.Unlock()
	close(sub.ch)
	b.hooks.Subscribers(len(b.subs))
}
