// Package retry runs operations against remote services with bounded
// exponential backoff and a per-attempt timeout.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures retry behavior.
type Policy struct {
	MaxRetries   int           // Maximum number of retry attempts (0 = no retries)
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Caps exponential growth
	Timeout      time.Duration // Per-attempt timeout (0 = none)
}

// DefaultPolicy returns the policy used for embedding and vector store calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Timeout:      time.Minute,
	}
}

// ErrExhausted is wrapped into the error returned once all attempts failed.
var ErrExhausted = errors.New("max retries exceeded")

// delayHint is implemented by errors that carry a server-suggested wait,
// such as an HTTP Retry-After header.
type delayHint interface {
	RetryDelay() time.Duration
}

// hintedDelay returns the wait suggested by err, zero if none.
func hintedDelay(err error) time.Duration {
	var h delayHint
	if errors.As(err, &h) {
		return h.RetryDelay()
	}
	return 0
}

// Do calls op until it succeeds, returns an error for which retryable is
// false, or MaxRetries retries have failed. The last error is wrapped so
// errors.Is/As still see it.
func Do[T any](ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero     T
		attempts int
		fatal    bool
		lastErr  error
	)

	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	attempt := func() (T, error) {
		attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		}
		res, err := op(attemptCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		// Caller cancelled; stop regardless of the error kind.
		if ctx.Err() != nil {
			fatal = true
			return zero, backoff.Permanent(ctx.Err())
		}
		if !retryable(err) {
			fatal = true
			return zero, backoff.Permanent(fmt.Errorf("non-retryable error: %w", err))
		}
		lastErr = err
		if d := hintedDelay(err); d > 0 {
			return zero, &backoff.RetryAfterError{Duration: d}
		}
		return zero, err
	}

	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return res, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if fatal || ctx.Err() != nil {
		return zero, err
	}
	if lastErr != nil {
		err = lastErr
	}
	return zero, fmt.Errorf("%w (%d attempts): %w", ErrExhausted, attempts, err)
}
