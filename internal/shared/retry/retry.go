// Package retry provides exponential-backoff-with-jitter execution of
// fallible operations against the aggregator and other upstreams.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/josiahdevine/personal-finance-dashboard-sub004/internal/infrastructure/aggregator"
)

// Options controls retry behavior for a single call.
type Options struct {
	// MaxRetries is the number of re-attempts after the first try.
	// An operation is attempted at most MaxRetries+1 times.
	MaxRetries int

	// InitialDelay is the backoff before the first retry. Subsequent
	// delays double per attempt, jittered by a uniform ±10%.
	InitialDelay time.Duration

	// PerCallTimeout bounds each individual attempt. Zero means the
	// attempt runs under the caller's context deadline only.
	PerCallTimeout time.Duration

	// ShouldRetry decides whether an error is worth another attempt.
	// Defaults to the aggregator transient classification: network
	// failures, HTTP 429 and HTTP 5xx retry; other 4xx do not.
	ShouldRetry func(error) bool

	// OnRetry is invoked with the failed attempt's error and the attempt
	// number (1-based) before each backoff wait.
	OnRetry func(err error, attempt int)
}

// Default options used by the sync path.
var Default = Options{
	MaxRetries:   3,
	InitialDelay: time.Second,
}

// Do runs op, retrying per opts. The error returned after exhaustion is the
// original error from the final attempt, not a wrapped copy.
func Do(ctx context.Context, opts Options, op func(context.Context) error) error {
	_, err := DoValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue runs op, retrying per opts, and returns its result.
func DoValue[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	shouldRetry := opts.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = aggregator.IsTransient
	}

	var zero T
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result, err := runAttempt(ctx, opts.PerCallTimeout, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == opts.MaxRetries || !shouldRetry(err) {
			return zero, err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt+1)
		}

		select {
		case <-time.After(Backoff(opts.InitialDelay, attempt)):
		case <-ctx.Done():
			// Caller gave up mid-backoff; the attempt's error is still
			// the most useful thing to report.
			return zero, lastErr
		}
	}

	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

// Backoff returns the jittered delay before retrying after the given
// zero-based attempt: InitialDelay * 2^attempt, ±10% uniform jitter to
// desynchronize concurrent retries.
func Backoff(initialDelay time.Duration, attempt int) time.Duration {
	base := float64(initialDelay) * float64(uint64(1)<<uint(attempt))
	jitter := 0.9 + rand.Float64()*0.2
	return time.Duration(base * jitter)
}
