// Package retry provides a data-driven retry policy for transient errors.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrBudgetExhausted wraps the last error when a policy runs out of
// attempts or wall-clock budget.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy describes when and how an operation is retried. Which errors are
// retryable is data, not code, so callers can test the decision in
// isolation.
type Policy struct {
	// MinDelay is the first backoff delay. Doubled on each attempt.
	MinDelay time.Duration
	// MaxDelay caps the per-attempt backoff.
	MaxDelay time.Duration
	// MaxElapsed caps the total wall-clock time spent including delays.
	MaxElapsed time.Duration
	// MaxAttempts caps the number of calls to the operation.
	MaxAttempts int
	// IsRetryable decides whether an error is worth another attempt.
	// A nil predicate retries nothing.
	IsRetryable func(error) bool
}

// Normalize applies defaults to zero-valued fields.
func (p Policy) Normalize() Policy {
	if p.MinDelay <= 0 {
		p.MinDelay = 50 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 2 * time.Second
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Do runs fn, retrying per the policy. Non-retryable errors are returned
// immediately. When the budget is exhausted the last error is returned
// joined with ErrBudgetExhausted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.Normalize()

	deadline := time.Now().Add(p.MaxElapsed)
	delay := p.MinDelay

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if p.IsRetryable == nil || !p.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxAttempts || !time.Now().Add(delay).Before(deadline) {
			return errors.Join(ErrBudgetExhausted, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Backoff returns the delay to apply after n consecutive failures,
// doubling from base and capped at max. Used by loops that back off
// without abandoning the operation.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return base
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
