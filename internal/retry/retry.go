// Package retry holds named, bounded retry policies built on backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy retries an operation at most MaxAttempts times in total, waiting
// Interval before the first retry and doubling it up to MaxInterval.
type Policy struct {
	Name        string
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
}

// PauseRace is applied to pause commands racing the worker exit.
var PauseRace = Policy{
	Name:        "pause-race",
	MaxAttempts: 3,
	Interval:    50 * time.Millisecond,
	MaxInterval: 200 * time.Millisecond,
}

// Permanent stops the retries and makes Do return err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. It returns the last error of op.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := max(p.MaxAttempts, 1)
	err := backoff.RetryNotify(op, p.backOff(ctx, attempts), func(err error, next time.Duration) {
		slog.DebugContext(ctx, "retrying", "policy", p.Name, "error", err, "next", next)
	})
	var perr *backoff.PermanentError
	if errors.As(err, &perr) {
		return perr.Err
	}
	return err
}

// Wait returns the delay before the attempt-th retry, counted from 1.
func (p Policy) Wait(attempt int) time.Duration {
	d := p.Interval
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

func (p Policy) backOff(ctx context.Context, attempts int) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = max(p.Interval, time.Millisecond)
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = max(p.MaxInterval, eb.InitialInterval)
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}
