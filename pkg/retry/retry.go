// Package retry runs a call with bounded, exponentially backed-off retries.
// Only errors the policy classifies as transient are retried. The package
// never substitutes a fallback; callers decide what to do with a failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	gretry "github.com/sethvargo/go-retry"
)

// ErrExhausted matches every *ExhaustedError.
var ErrExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Last} }

// PermanentError is returned when an attempt failed with an error the policy
// does not retry.
type PermanentError struct {
	Attempts int
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure on attempt %d: %v", e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Policy bounds a retry loop. The delay before retry n (1-based) is
// BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Classify reports whether err is transient. Nil treats every error as
	// transient.
	Classify func(error) bool
}

// Backoff returns a fresh backoff sequence for one call.
func (p Policy) Backoff() gretry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := gretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = gretry.WithCappedDuration(p.MaxDelay, b)
	}
	return gretry.WithMaxRetries(uint64(p.attempts()-1), b)
}

func (p Policy) attempts() int {
	return max(p.MaxAttempts, 1)
}

func (p Policy) transient(err error) bool {
	if p.Classify == nil {
		return true
	}
	return p.Classify(err)
}

// Do calls fn until it succeeds, fails permanently, or the policy runs out of
// attempts. It returns the value, the number of calls made, and nil, a
// *PermanentError or an *ExhaustedError. If ctx is cancelled during a backoff
// sleep the context error is returned joined with the last failure.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		zero     T
		result   T
		attempts int
		last     error
	)

	err := gretry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			result = v
			return nil
		}
		last = err
		if p.transient(err) {
			return gretry.RetryableError(err)
		}
		return &PermanentError{Attempts: attempts, Err: err}
	})

	var perm *PermanentError
	switch {
	case err == nil:
		return result, attempts, nil
	case errors.As(err, &perm):
		return zero, attempts, perm
	case ctx.Err() != nil && (last == nil || !errors.Is(last, ctx.Err())):
		return zero, attempts, fmt.Errorf("retry interrupted after %d attempts: %w", attempts, errors.Join(ctx.Err(), last))
	default:
		return zero, attempts, &ExhaustedError{Attempts: attempts, Last: last}
	}
}
