// Package retry wraps calls to flaky external tools in exponential backoff.
//
// Only transient failures (throttling, timeouts) are retried. Anything else
// is returned on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/abelbrown/feedingtube/internal/logging"
)

var (
	// ErrThrottled means the remote side asked us to slow down.
	ErrThrottled = errors.New("throttled")
	// ErrTimeout means a single call ran past its deadline.
	ErrTimeout = errors.New("timed out")
)

// maxJitter bounds the random delay added to every backoff.
const maxJitter = time.Second

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts int           // total attempts including the first; < 1 means 1
	BaseDelay   time.Duration // delay after attempt 0, doubled each attempt

	// AttemptTimeout bounds each attempt. An attempt that exceeds it fails
	// with ErrTimeout. Zero means no per-attempt bound.
	AttemptTimeout time.Duration

	// Sleep and Jitter are overridable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Delay returns the wait after failed attempt a (0-based), excluding jitter.
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay << uint(attempt)
}

// Do calls op until it succeeds, fails with a non-transient error, or
// MaxAttempts transient failures have happened. The final error wraps the
// last attempt's error, so errors.Is keeps working.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = randomJitter
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry: cancelled before attempt %d: %w", attempt+1, err)
		}

		v, err := runAttempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		// The caller's own deadline or cancellation is never retried.
		if ctx.Err() != nil {
			return zero, err
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		delay := p.Delay(attempt) + jitter()
		logging.Debug("Retrying after transient failure",
			"attempt", attempt+1,
			"max", attempts,
			"delay", delay,
			"error", err)
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry: cancelled during backoff: %w", err)
		}
	}

	return zero, fmt.Errorf("retry: giving up after %d attempts: %w", attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := op(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}
	return v, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(maxJitter)))
}
