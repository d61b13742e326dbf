package resilience

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
)

const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
)

// Operation is the unit of work wrapped by the retry, timeout and breaker helpers.
type Operation[T any] func() (T, error)

func DefaultRetryConfig() *types.RetryConfig {
	return &types.RetryConfig{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

func normalizeRetryConfig(config *types.RetryConfig) *types.RetryConfig {
	retryConfig := DefaultRetryConfig()
	if config == nil {
		return retryConfig
	}

	if config.MaxAttempts > 0 {
		retryConfig.MaxAttempts = config.MaxAttempts
	}
	if config.InitialDelay > 0 {
		retryConfig.InitialDelay = config.InitialDelay
	}
	if config.MaxDelay > 0 {
		retryConfig.MaxDelay = config.MaxDelay
	}
	if config.BackoffMultiplier > 0 {
		retryConfig.BackoffMultiplier = config.BackoffMultiplier
	}

	return retryConfig
}

// BackoffDelay is the pause after the given 1-based failed attempt:
// InitialDelay * BackoffMultiplier^(attempt-1), capped at MaxDelay.
func BackoffDelay(config *types.RetryConfig, attempt int) time.Duration {
	config = normalizeRetryConfig(config)
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(config.MaxDelay) || math.IsInf(delay, 0) {
		return config.MaxDelay
	}

	return time.Duration(delay)
}

// RetryWithBackoff calls op up to MaxAttempts times with exponential pauses in
// between. The last error is returned as-is once attempts run out.
func RetryWithBackoff[T any](ctx context.Context, op Operation[T], config *types.RetryConfig) (T, error) {
	return retry(ctx, op, config, "", nil, nil)
}

func retry[T any](ctx context.Context, op Operation[T], config *types.RetryConfig, name string, log types.Logger, metricsManager types.MetricsManager) (T, error) {
	var zero T

	if op == nil {
		return zero, types.ErrOperationIsNil
	}

	config = normalizeRetryConfig(config)
	log = logger.OrNop(log)
	metricsManager = metrics.OrNop(metricsManager)

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		value, err := op()
		if err == nil {
			return value, nil
		}

		lastErr = err
		metricsManager.Counter("retry_attempts_total", map[string]string{
			"operation": name,
			"result":    "failure",
		}).Inc()

		if attempt == config.MaxAttempts {
			break
		}

		delay := BackoffDelay(config, attempt)

		log.Debug("Retrying operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", config.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
