package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
)

type CallOptions struct {
	Name           string
	Retry          *types.RetryConfig
	Breaker        *CircuitBreaker
	Timeout        time.Duration
	TimeoutMessage string
	Logger         types.Logger
	Metrics        types.MetricsManager
}

// Execute is the typed form of CircuitBreaker.Execute.
func Execute[T any](cb *CircuitBreaker, op Operation[T]) (T, error) {
	var zero T

	if op == nil {
		return zero, types.ErrOperationIsNil
	}

	if cb == nil {
		return op()
	}

	value, err := cb.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil || value == nil {
		return zero, err
	}

	typed, ok := value.(T)
	if !ok {
		return zero, types.Errorf(types.ErrCacheTypeMismatch, "breaker %s: got %T", cb.Name(), value)
	}

	return typed, nil
}

// ResilientCall runs op under a per-attempt timeout, retries failed attempts
// and, with a breaker set, guards the whole retry sequence with it.
func ResilientCall[T any](ctx context.Context, op Operation[T], opts CallOptions) (T, error) {
	var zero T

	if op == nil {
		return zero, types.ErrOperationIsNil
	}

	log := logger.OrNop(opts.Logger)
	metricsManager := metrics.OrNop(opts.Metrics)

	name := opts.Name
	if name == "" && opts.Breaker != nil {
		name = opts.Breaker.Name()
	}

	attempt := func() (T, error) {
		return WithTimeout(ctx, op, opts.Timeout, opts.TimeoutMessage)
	}

	retried := func() (T, error) {
		return retry(ctx, attempt, opts.Retry, name, log, metricsManager)
	}

	start := time.Now()

	var (
		value T
		err   error
	)
	if opts.Breaker != nil {
		value, err = Execute(opts.Breaker, retried)
	} else {
		value, err = retried()
	}

	result := "success"
	switch {
	case err == nil:
	case types.IsCircuitOpen(err):
		result = "rejected"
	case types.IsTimeout(err):
		result = "timeout"
	default:
		result = "error"
	}

	metricsManager.Counter("resilient_calls_total", map[string]string{
		"operation": name,
		"result":    result,
	}).Inc()
	metricsManager.Histogram("resilient_call_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		map[string]string{"operation": name},
	).Observe(time.Since(start).Seconds())

	if err != nil {
		log.Debug("Resilient call failed",
			zap.String("operation", name),
			zap.String("result", result),
			zap.Error(err))
		return zero, err
	}

	return value, nil
}
