package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Backoff retries an operation on transient failures with exponential
// delays: initial interval doubling up to the cap, until the total deadline
// is spent. Non-transient errors abort immediately.
type Backoff struct {
	Initial  time.Duration
	Max      time.Duration
	Deadline time.Duration
	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff matches the retry policy the remote parser calls use:
// 1s initial, doubled per attempt, capped at 60s, 10 minute deadline.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:  1 * time.Second,
		Max:      60 * time.Second,
		Deadline: 600 * time.Second,
	}
}

// Retry runs op, retrying transient failures per the backoff schedule. When
// the deadline is exhausted the last transient error is wrapped in
// ErrRetryExhausted.
func (b Backoff) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	interval := b.Initial
	var spent time.Duration
	for {
		err := op(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}
		if spent+interval > b.Deadline {
			return fmt.Errorf("%w: %w", ErrRetryExhausted, err)
		}
		slog.Warn("Transient failure, backing off.", "backoff", interval.String(), "error", err)
		if serr := sleep(ctx, interval); serr != nil {
			return errors.Join(serr, err)
		}
		spent += interval
		interval *= 2
		if interval > b.Max {
			interval = b.Max
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
