package sched

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy configures exponential-backoff retries around provider calls.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	// Default: 2 (STT/LLM class); the audio pool uses 1.
	MaxRetries int

	// BaseDelay is the delay before the first retry; each subsequent retry
	// doubles it. Default: 250 ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 5 s.
	MaxDelay time.Duration
}

// withDefaults fills zero fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 2
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 250 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	return p
}

// Permanent wraps an error to mark it non-retryable. Retry stops immediately
// and returns the wrapped error. Used for provider auth failures and for
// cancellation, where repeating the call cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry runs fn, re-attempting on failure with exponential backoff until the
// policy is exhausted or ctx is cancelled. Context cancellation and errors
// wrapped with Permanent are returned immediately.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	return lastErr
}
