// Package resilience provides retry and log-flood-control helpers for the
// long-running polling loops in the agent: exponential backoff for transient
// control-plane failures and a rate-limited logger so a dead endpoint does not
// fill the event log.
package resilience

import (
	"context"
	"time"
)

// Backoff produces exponentially growing delays, capped at Max. The zero
// value is not useful; construct with [NewBackoff].
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

// Default backoff bounds for control-plane polling.
const (
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 10 * time.Second
)

// NewBackoff creates a backoff starting at initial and doubling up to max.
// Non-positive arguments fall back to the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	return &Backoff{initial: initial, max: max, current: initial}
}

// Next returns the current delay and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.current
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the schedule to its initial delay. Call it after a success.
func (b *Backoff) Reset() {
	b.current = b.initial
}

// Retry calls fn until it succeeds, the attempt budget is exhausted, or ctx
// is done. Between attempts it sleeps per the backoff schedule. attempts <= 0
// means retry indefinitely. The last error is returned on failure.
func Retry(ctx context.Context, attempts int, b *Backoff, fn func(context.Context) error) error {
	var lastErr error
	for i := 0; attempts <= 0 || i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Next()):
		}
	}
	return lastErr
}
