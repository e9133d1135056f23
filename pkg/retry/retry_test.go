package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialDelay(0)}, opts...)...)
}

func TestRetrier_RetriesOnlyRetryableErrors(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(5)).Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("conflict"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	plain := errors.New("plain")
	calls = 0
	err = fast(WithMaxAttempts(5)).Do(context.Background(), func(context.Context, int) error {
		calls++
		return plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustionAndPermanent(t *testing.T) {
	conflict := errors.New("conflict")
	err := fast(WithMaxAttempts(3)).Do(context.Background(), func(context.Context, int) error {
		return Retryable(conflict)
	})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, conflict)
	assert.False(t, IsRetryable(err), "marker is stripped")

	broken := errors.New("broken")
	calls := 0
	err = fast(WithMaxAttempts(3)).Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(broken)
	})
	assert.Equal(t, broken, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(WithMaxAttempts(10), WithInitialDelay(time.Hour))

	err := r.Do(ctx, func(_ context.Context, attempt int) error {
		if attempt == 1 {
			cancel()
		}
		return Retryable(errors.New("busy"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDatabaseRetrier_RetriesAnyErrorAndReportsAttempts(t *testing.T) {
	var seen []int
	r := DatabaseRetrier(
		WithInitialDelay(0),
		WithMaxAttempts(4),
		WithOnRetry(func(attempt int, _ error, _ time.Duration) { seen = append(seen, attempt) }),
	)

	conn, err := DoWithData(context.Background(), r, func(_ context.Context, attempt int) (string, error) {
		if attempt < 3 {
			return "", errors.New("connection refused")
		}
		return "conn", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "conn", conn)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDatabaseRetrier_DoesNotRetryDeadline(t *testing.T) {
	calls := 0
	_, err := DoWithData(context.Background(), DatabaseRetrier(WithInitialDelay(0)), func(context.Context, int) (int, error) {
		calls++
		return 0, context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestWithRetryIf_OverridesMarkers(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	err := fast(WithMaxAttempts(4), WithRetryIf(func(err error) bool { return errors.Is(err, transient) })).
		Do(context.Background(), func(context.Context, int) error {
			calls++
			return transient
		})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 4, calls)
}

func TestCalculateDelay_CappedAndJittered(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMaxDelay(25*time.Millisecond), WithMultiplier(2), WithJitter(0))
	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 25*time.Millisecond, r.calculateDelay(3))

	j := ConflictRetrier(5)
	for i := 0; i < 20; i++ {
		d := j.calculateDelay(1)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.LessOrEqual(t, d, 3*time.Millisecond)
	}
}
