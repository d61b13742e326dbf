package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-rpccache/types"
)

func fastRetry(attempts int) *types.RetryConfig {
	return &types.RetryConfig{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("SucceedsOnThirdAttempt", func(t *testing.T) {
		calls := 0
		value, err := RetryWithBackoff(context.Background(), func() (string, error) {
			calls++
			if calls < 3 {
				return "", errNode
			}
			return "balance", nil
		}, fastRetry(3))

		require.NoError(t, err)
		assert.Equal(t, "balance", value)
		assert.Equal(t, 3, calls)
	})

	t.Run("ExhaustedReturnsLastError", func(t *testing.T) {
		last := errors.New("attempt 3")
		calls := 0
		_, err := RetryWithBackoff(context.Background(), func() (int, error) {
			calls++
			if calls == 3 {
				return 0, last
			}
			return 0, errNode
		}, fastRetry(3))

		assert.Same(t, last, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("FirstSuccessNoRetry", func(t *testing.T) {
		calls := 0
		_, err := RetryWithBackoff(context.Background(), func() (int, error) {
			calls++
			return 1, nil
		}, fastRetry(5))

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("CancelledWhileWaiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		calls := 0
		_, err := RetryWithBackoff(ctx, func() (int, error) {
			calls++
			cancel()
			return 0, errNode
		}, &types.RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})

	t.Run("NilOperation", func(t *testing.T) {
		_, err := RetryWithBackoff[int](context.Background(), nil, nil)
		assert.ErrorIs(t, err, types.ErrOperationIsNil)
	})
}

func TestBackoffDelay(t *testing.T) {
	config := &types.RetryConfig{
		MaxAttempts:       10,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: time.Second},
		{attempt: 1, expected: time.Second},
		{attempt: 2, expected: 2 * time.Second},
		{attempt: 3, expected: 4 * time.Second},
		{attempt: 5, expected: 16 * time.Second},
		{attempt: 6, expected: 30 * time.Second},
		{attempt: 1000, expected: 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, BackoffDelay(config, tt.attempt), "attempt %d", tt.attempt)
	}

	assert.Equal(t, DefaultInitialDelay, BackoffDelay(nil, 1))
}
