package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
)

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultMonitorInterval  = 5 * time.Second
	DefaultSuccessThreshold = 2
)

type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after every transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

type CircuitBreaker struct {
	ctx             context.Context
	cancel          context.CancelFunc
	name            string
	config          *types.CircuitBreakerConfig
	logger          types.Logger
	metrics         types.MetricsManager
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	onStateChange   StateChangeFunc
	stopped         atomic.Bool
	monitorDone     chan struct{}
	shutdownTimeout time.Duration
}

func DefaultCircuitBreakerConfig() *types.CircuitBreakerConfig {
	return &types.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
		MonitorInterval:  DefaultMonitorInterval,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// NewCircuitBreaker builds a breaker and starts its monitor loop. A nil config
// takes the defaults; zero fields of a given config fall back to them too.
func NewCircuitBreaker(name string, config *types.CircuitBreakerConfig, log types.Logger, metricsManager types.MetricsManager) *CircuitBreaker {
	breakerConfig := DefaultCircuitBreakerConfig()

	if config != nil {
		breakerConfig.Enabled = config.Enabled
		if config.FailureThreshold > 0 {
			breakerConfig.FailureThreshold = config.FailureThreshold
		}
		if config.ResetTimeout > 0 {
			breakerConfig.ResetTimeout = config.ResetTimeout
		}
		if config.MonitorInterval > 0 {
			breakerConfig.MonitorInterval = config.MonitorInterval
		}
		if config.SuccessThreshold > 0 {
			breakerConfig.SuccessThreshold = config.SuccessThreshold
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	cb := &CircuitBreaker{
		ctx:             ctx,
		cancel:          cancel,
		name:            name,
		config:          breakerConfig,
		logger:          logger.OrNop(log).With(zap.String("component", "breaker")),
		metrics:         metrics.OrNop(metricsManager),
		state:           StateClosed,
		monitorDone:     make(chan struct{}),
		shutdownTimeout: 5 * time.Second,
	}

	if breakerConfig.Enabled {
		go cb.monitorLoop()
	} else {
		close(cb.monitorDone)
	}

	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// OnStateChange registers fn to observe transitions. A later call replaces it.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs op unless the circuit is open. Open circuits reject with
// ErrCircuitOpen until ResetTimeout has passed since the last failure, then
// let calls through in half-open state.
func (cb *CircuitBreaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	if op == nil {
		return nil, types.ErrOperationIsNil
	}

	if !cb.config.Enabled {
		return op()
	}

	if !cb.allow() {
		cb.metrics.Counter("circuit_breaker_rejections_total", map[string]string{"breaker": cb.name}).Inc()
		return nil, types.Errorf(types.ErrCircuitOpen, "%s", cb.name)
	}

	value, err := op()
	if err != nil {
		cb.recordFailure()
		return nil, err
	}

	cb.recordSuccess()
	return value, nil
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.closeUnsafe()
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.logger.Info("Circuit breaker manually reset",
		zap.String("breaker", cb.name),
		zap.String("old_state", from.String()))

	cb.notify(hook, from, StateClosed)
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) GetFailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

func (cb *CircuitBreaker) GetSuccessCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.successCount
}

// Stop ends the monitor loop. The breaker keeps guarding calls afterwards.
func (cb *CircuitBreaker) Stop() error {
	if !cb.stopped.CompareAndSwap(false, true) {
		return nil
	}

	cb.cancel()

	select {
	case <-cb.monitorDone:
		cb.logger.Debug("Circuit breaker stopped gracefully", zap.String("breaker", cb.name))
	case <-time.After(cb.shutdownTimeout):
		cb.logger.Warn("Circuit breaker stop timeout", zap.String("breaker", cb.name))
	}

	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()

	if cb.state != StateOpen {
		cb.mu.Unlock()
		return true
	}

	if time.Since(cb.lastFailureTime) <= cb.config.ResetTimeout {
		cb.mu.Unlock()
		return false
	}

	cb.transitionUnsafe(StateHalfOpen)
	cb.successCount = 0
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.logger.Info("Circuit breaker transitioned to half-open", zap.String("breaker", cb.name))
	cb.notify(hook, StateOpen, StateHalfOpen)

	return true
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
		cb.mu.Unlock()
	case StateHalfOpen:
		cb.successCount++
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("breaker", cb.name),
			zap.Int("successes", cb.successCount),
			zap.Int("required", cb.config.SuccessThreshold))

		if cb.successCount < cb.config.SuccessThreshold {
			cb.mu.Unlock()
			return
		}

		cb.closeUnsafe()
		hook := cb.onStateChange
		cb.mu.Unlock()

		cb.logger.Info("Circuit breaker closed", zap.String("breaker", cb.name))
		cb.notify(hook, StateHalfOpen, StateClosed)
	default:
		cb.mu.Unlock()
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	from := cb.state
	shouldOpen := from == StateHalfOpen ||
		(from == StateClosed && cb.failureCount >= cb.config.FailureThreshold)

	if !shouldOpen {
		cb.logger.Debug("Failure recorded",
			zap.String("breaker", cb.name),
			zap.String("state", from.String()),
			zap.Int("failures", cb.failureCount),
			zap.Int("threshold", cb.config.FailureThreshold))
		cb.mu.Unlock()
		return
	}

	cb.transitionUnsafe(StateOpen)
	cb.successCount = 0
	failures := cb.failureCount
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.logger.Warn("Circuit breaker opened",
		zap.String("breaker", cb.name),
		zap.String("from", from.String()),
		zap.Int("failures", failures),
		zap.Int("threshold", cb.config.FailureThreshold))

	cb.notify(hook, from, StateOpen)
}

func (cb *CircuitBreaker) closeUnsafe() {
	cb.transitionUnsafe(StateClosed)
	cb.failureCount = 0
	cb.successCount = 0
}

func (cb *CircuitBreaker) transitionUnsafe(to State) {
	if cb.state == to {
		return
	}

	cb.state = to
	cb.metrics.Counter("circuit_breaker_transitions_total", map[string]string{
		"breaker": cb.name,
		"state":   to.String(),
	}).Inc()
	cb.publishState(to)
}

func (cb *CircuitBreaker) notify(hook StateChangeFunc, from, to State) {
	if hook == nil || from == to {
		return
	}
	hook(cb.name, from, to)
}

func (cb *CircuitBreaker) publishState(state State) {
	cb.metrics.Gauge("circuit_breaker_state", map[string]string{"breaker": cb.name}).Set(float64(state))
}

func (cb *CircuitBreaker) monitorLoop() {
	defer close(cb.monitorDone)

	ticker := time.NewTicker(cb.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cb.ctx.Done():
			return
		case <-ticker.C:
			cb.mu.Lock()
			state := cb.state
			failures := cb.failureCount
			successes := cb.successCount
			lastFailure := cb.lastFailureTime
			cb.mu.Unlock()

			cb.publishState(state)

			cb.logger.Debug("Circuit breaker health check",
				zap.String("breaker", cb.name),
				zap.String("state", state.String()),
				zap.Int("failures", failures),
				zap.Int("successes", successes),
				zap.Time("last_failure", lastFailure))
		}
	}
}
