// Package retry provides bounded exponential backoff for idempotent
// operations: remote git commands, outbound notifications, anything safe to
// repeat. Commands with side effects on the working tree go through their
// own recovery paths instead.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pixelci/pixelci/internal/clock"
)

// Policy describes a bounded exponential backoff. The nth retry waits
// min(InitialDelay * Multiplier^n, MaxDelay), with no jitter so the
// schedule is exact. MaxRetries counts retries after the first attempt:
// MaxRetries=3 means at most four invocations, and the final failure is
// returned to the caller.
type Policy struct {
	MaxRetries   uint64
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultPolicy retries three times at 1s, 2s, 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, exhausts the
// retry budget, or ctx is canceled. Waits go through the injected clock so
// tests control the schedule. Each retry is logged with the wait that
// precedes it.
func Do[T any](ctx context.Context, p Policy, c clock.Clock, logger *slog.Logger, name string, op func() (T, error)) (T, error) {
	notify := func(err error, next time.Duration) {
		logger.Warn("operation failed, retrying",
			"op", name,
			"retry_in", next,
			"error", err,
		)
	}
	return backoff.RetryNotifyWithTimerAndData(op, p.backOff(ctx), notify, &clockTimer{clock: c})
}

// DoErr is Do for operations with no result value.
func DoErr(ctx context.Context, p Policy, c clock.Clock, logger *slog.Logger, name string, op func() error) error {
	_, err := Do(ctx, p, c, logger, name, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// clockTimer adapts clock.Clock to the backoff timer interface.
type clockTimer struct {
	clock clock.Clock
	ch    <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.ch = t.clock.After(d) }

func (t *clockTimer) C() <-chan time.Time { return t.ch }

func (t *clockTimer) Stop() {}
