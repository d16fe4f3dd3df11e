package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlaky = errors.New("flaky")

func noDelay(int) time.Duration { return 0 }

func TestRetrySucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 4, Delay: noDelay}, func(attempt int) error {
		assert.Equal(t, calls, attempt)
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	var waits []int
	p := RetryPolicy{
		Attempts: 3,
		Delay:    noDelay,
		OnRetry:  func(attempt int, err error, _ time.Duration) { waits = append(waits, attempt) },
	}
	err := Retry(context.Background(), p, func(int) error {
		calls++
		return errFlaky
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{0, 1}, waits)
}

func TestRetryStopsOnNonRetriable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Delay: noDelay}, func(int) error {
		calls++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })
	assert.Same(t, fatal, err)
	assert.Equal(t, 1, calls)
}

func TestRetryZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), RetryPolicy{}, func(int) error {
		calls++
		return errFlaky
	}, nil)
	assert.Equal(t, 1, calls)
}

func TestRetryStopChannelEndsBackoff(t *testing.T) {
	stop := make(chan struct{})
	close(stop)
	calls := 0
	start := time.Now()
	err := Retry(context.Background(), RetryPolicy{
		Attempts: 5,
		Delay:    func(int) time.Duration { return time.Hour },
		Stop:     stop,
	}, func(int) error {
		calls++
		return errFlaky
	}, nil)
	assert.ErrorIs(t, err, ErrRetryStopped)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{Attempts: 3}, func(int) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponentialJitterBounds(t *testing.T) {
	delay := ExponentialJitter(100*time.Millisecond, time.Second)
	for attempt := 0; attempt < 8; attempt++ {
		ceiling := (100 * time.Millisecond) << attempt
		if ceiling > time.Second {
			ceiling = time.Second
		}
		for i := 0; i < 50; i++ {
			d := delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, ceiling)
		}
	}
	assert.Equal(t, time.Duration(0), ExponentialJitter(0, 0)(3))
}

func TestNewRetryPolicy(t *testing.T) {
	p := NewRetryPolicy(3, 10*time.Millisecond)
	assert.Equal(t, 3, p.Attempts)
	require.NotNil(t, p.Delay)
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, p.Delay(2), 40*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), NewRetryPolicy(1, 0).Delay(5))
}
