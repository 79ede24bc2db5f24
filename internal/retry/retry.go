// Package retry re-executes fallible remote calls with capped exponential
// backoff. Delays are deterministic (no jitter) so timer-driven tests can
// assert exact schedules, and every wait is a cancellable suspension tied
// to the caller's context.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/taskfolk/syncline/internal/errs"
)

// Config controls one retry sequence. A nil ShouldRetry means
// errs.Retryable. AttemptTimeout, when positive, bounds each individual
// attempt separately from the inter-attempt delay.
type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Factor         float64
	AttemptTimeout time.Duration
	ShouldRetry    func(error) bool
}

// Error is the single failure returned once a sequence gives up. Callers
// never see intermediate attempt failures, only the last one with the
// attempt count.
type Error struct {
	Op       string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Delay returns the wait before the attempt following the given one
// (1-based): min(BaseDelay * Factor^(attempt-1), MaxDelay).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(cfg.BaseDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}

	return time.Duration(d)
}

// Do runs fn until it succeeds, the error is not retryable, attempts are
// exhausted, or ctx is cancelled. Attempt 1 runs immediately.
func Do[T any](ctx context.Context, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = errs.Retryable
	}

	for attempt := 1; ; attempt++ {
		result, err := runAttempt(ctx, cfg, fn)
		if err == nil {
			return result, nil
		}

		if !shouldRetry(err) || attempt == cfg.MaxAttempts {
			return zero, &Error{Op: op, Attempts: attempt, Err: err}
		}

		timer := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, &Error{Op: op, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func runAttempt[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	if cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	return fn(attemptCtx)
}
