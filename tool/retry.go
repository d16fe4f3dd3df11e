package tool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrRetryStopped is returned when a backoff wait is interrupted by the stop channel.
var ErrRetryStopped = errors.New("retry stopped")

// RetryPolicy drives Retry. Delay maps the zero-based attempt that just failed to the
// wait before the next one.
type RetryPolicy struct {
	Attempts int
	Delay    func(attempt int) time.Duration
	// Stop, when closed, ends any backoff wait early.
	Stop <-chan struct{}
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// ExponentialJitter returns base*2^attempt with full jitter, capped at max when max > 0.
func ExponentialJitter(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		if attempt > 20 {
			attempt = 20
		}
		d := base << attempt
		if max > 0 && d > max {
			d = max
		}
		return time.Duration(rand.Int64N(int64(d) + 1))
	}
}

// NewRetryPolicy builds the policy shared by part uploads and completion calls.
func NewRetryPolicy(attempts int, base time.Duration) RetryPolicy {
	return RetryPolicy{
		Attempts: attempts,
		Delay:    ExponentialJitter(base, 2*time.Minute),
	}
}

// Retry runs fn until it succeeds, returns a non-retriable error, or the policy runs
// out of attempts. A nil isRetriable treats every error as retriable.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error, isRetriable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return err
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetriable != nil && !isRetriable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if err := sleep(ctx, p.Stop, wait); err != nil {
			return fmt.Errorf("%w: %v", err, lastErr)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		select {
		case <-stop:
			return ErrRetryStopped
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return ErrRetryStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
