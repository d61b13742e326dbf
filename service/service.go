package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-rpccache/background"
	"github.com/saiset-co/sai-rpccache/batch"
	"github.com/saiset-co/sai-rpccache/cache"
	"github.com/saiset-co/sai-rpccache/config"
	"github.com/saiset-co/sai-rpccache/health"
	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/resilience"
	"github.com/saiset-co/sai-rpccache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service owns one instance of every shared component and their lifecycle.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *config.ConfigurationManager
	logger          *logger.Manager
	metrics         types.MetricsManager
	cache           types.CacheManager
	batcher         *batch.Manager
	breaker         *resilience.CircuitBreaker
	sync            *background.Manager
	health          *health.Manager
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to create config manager")
	}

	return newService(ctx, configManager)
}

// NewServiceFromConfig builds the service around an in-memory config.
func NewServiceFromConfig(ctx context.Context, serviceConfig *types.ServiceConfig) (*Service, error) {
	configManager, err := config.NewStaticConfigurationManager(serviceConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create config manager")
	}

	return newService(ctx, configManager)
}

func newService(ctx context.Context, configManager *config.ConfigurationManager) (*Service, error) {
	serviceConfig := configManager.GetConfig()

	loggerManager, err := logger.NewManager(serviceConfig.Logger)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	metricsManager, err := metrics.NewManager(serviceConfig.Metrics, loggerManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to create metrics manager")
	}

	cacheManager := cache.NewCacheManager(serviceConfig.Cache, loggerManager, metricsManager)

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          configManager,
		logger:          loggerManager,
		metrics:         metricsManager,
		cache:           cacheManager,
		batcher:         batch.NewManager(serviceConfig.Batch, loggerManager, metricsManager),
		breaker:         resilience.NewCircuitBreaker(serviceConfig.Name, serviceConfig.CircuitBreaker, loggerManager, metricsManager),
		sync:            background.NewManager(serviceConfig.Sync, cacheManager, loggerManager, metricsManager),
		health:          health.NewManager(serviceConfig.Name, serviceConfig.Health, loggerManager),
		shutdownTimeout: 30 * time.Second,
	}

	s.health.RegisterChecker("cache", s.checkCache)
	s.health.RegisterChecker("circuit_breaker", s.checkBreaker)
	s.health.RegisterChecker("background_sync", s.checkSync)

	s.state.Store(StateStopped)

	return s, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	serviceConfig := s.config.GetConfig()

	steps := []struct {
		name    string
		enabled bool
		manager types.LifecycleManager
	}{
		{"logger", true, s.logger},
		{"metrics", true, s.metrics},
		{"cache", true, s.cache},
		{"health", serviceConfig.Health == nil || serviceConfig.Health.Enabled, s.health},
		{"background_sync", serviceConfig.Sync == nil || serviceConfig.Sync.Enabled, s.sync},
	}

	for _, step := range steps {
		if !step.enabled || step.manager.IsRunning() {
			continue
		}

		select {
		case <-s.ctx.Done():
			s.state.Store(StateStopped)
			return s.ctx.Err()
		default:
		}

		if err := step.manager.Start(); err != nil {
			s.state.Store(StateStopped)
			return types.WrapError(err, fmt.Sprintf("failed to start %s", step.name))
		}
	}

	s.state.Store(StateRunning)
	s.logger.Info("Service started",
		zap.String("service", serviceConfig.Name),
		zap.String("version", serviceConfig.Version))

	return nil
}

// Stop tears the components down. Scheduler, batcher and breaker stop first,
// then the cache is destroyed; the service cannot be started again.
func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer func() {
		s.state.Store(StateStopped)
		s.cancel()
	}()

	s.logger.Info("Stopping service components...")

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	stop := func(name string, fn func() error) {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := fn(); err != nil {
				s.logger.Error("Failed to stop component", zap.String("component", name), zap.Error(err))
				return err
			}
			return nil
		})
	}

	stop("background_sync", s.sync.Destroy)
	stop("batch", func() error {
		s.batcher.Destroy()
		return nil
	})
	stop("circuit_breaker", s.breaker.Stop)

	var stopErr error
	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
		}
		stopErr = err
	}

	if err := s.cache.Destroy(); err != nil && stopErr == nil {
		stopErr = err
	}

	if s.health.IsRunning() {
		_ = s.health.Stop()
	}
	_ = s.metrics.Stop()

	s.logger.Info("Service stopped")
	_ = s.logger.Stop()

	return stopErr
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) Config() *types.ServiceConfig {
	return s.config.GetConfig()
}

func (s *Service) ConfigManager() *config.ConfigurationManager {
	return s.config
}

func (s *Service) Logger() types.Logger {
	return s.logger
}

func (s *Service) Metrics() types.MetricsManager {
	return s.metrics
}

func (s *Service) Cache() types.CacheManager {
	return s.cache
}

func (s *Service) Batcher() *batch.Manager {
	return s.batcher
}

func (s *Service) Breaker() *resilience.CircuitBreaker {
	return s.breaker
}

func (s *Service) Sync() *background.Manager {
	return s.sync
}

func (s *Service) Health() *health.Manager {
	return s.health
}

// NewCachedBatched returns a read path named name bound to the shared components.
func (s *Service) NewCachedBatched(name string) *CachedBatchedService {
	serviceConfig := s.config.GetConfig()

	return NewCachedBatchedService(name, CachedBatchedConfig{
		Cache:       s.cache,
		Batcher:     s.batcher,
		Breaker:     s.breaker,
		Retry:       serviceConfig.Retry,
		Timeout:     serviceConfig.Timeout,
		Concurrency: serviceConfig.Concurrency,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) checkCache(_ context.Context) types.HealthCheck {
	stats := s.cache.GetStats()

	check := types.HealthCheck{
		Status: types.StatusHealthy,
		Details: map[string]interface{}{
			"size":      stats.Size,
			"max_size":  stats.MaxSize,
			"hit_rate":  stats.HitRate,
			"evictions": stats.Evictions,
		},
	}

	if !s.cache.IsRunning() {
		check.Status = types.StatusUnknown
		check.Message = "expiry sweep is not running"
	}

	return check
}

func (s *Service) checkBreaker(_ context.Context) types.HealthCheck {
	state := s.breaker.GetState()

	check := types.HealthCheck{
		Status: types.StatusHealthy,
		Details: map[string]interface{}{
			"state":    state.String(),
			"failures": s.breaker.GetFailureCount(),
		},
	}

	switch state {
	case resilience.StateOpen:
		check.Status = types.StatusUnhealthy
		check.Message = "circuit is open"
	case resilience.StateHalfOpen:
		check.Status = types.StatusUnknown
		check.Message = "circuit is probing recovery"
	}

	return check
}

func (s *Service) checkSync(_ context.Context) types.HealthCheck {
	statuses := s.sync.GetAllTaskStatus()

	failing := make([]string, 0)
	for _, status := range statuses {
		if status.LastError != nil {
			failing = append(failing, status.ID)
		}
	}

	check := types.HealthCheck{
		Status: types.StatusHealthy,
		Details: map[string]interface{}{
			"tasks":         len(statuses),
			"running_tasks": s.sync.GetRunningTaskCount(),
			"failing_tasks": failing,
		},
	}

	switch {
	case !s.sync.IsManagerRunning():
		check.Status = types.StatusUnknown
		check.Message = "scheduler is not running"
	case len(failing) > 0:
		check.Status = types.StatusUnknown
		check.Message = fmt.Sprintf("%d of %d tasks failed on their last run", len(failing), len(statuses))
	}

	return check
}
