package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/batch"
	"github.com/saiset-co/sai-rpccache/cache"
	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/resilience"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

type CachedBatchedConfig struct {
	Cache       types.CacheManager
	Batcher     *batch.Manager
	Breaker     *resilience.CircuitBreaker
	Retry       *types.RetryConfig
	Timeout     time.Duration
	Concurrency int
	Logger      types.Logger
	Metrics     types.MetricsManager
}

// CachedBatchedService is the read path business services go through:
// cache first, then one deduplicated resilient call per key.
type CachedBatchedService struct {
	name        string
	cache       types.CacheManager
	batcher     *batch.Manager
	breaker     *resilience.CircuitBreaker
	retry       *types.RetryConfig
	timeout     time.Duration
	concurrency int
	logger      types.Logger
	metrics     types.MetricsManager

	ownsCache   bool
	ownsBatcher bool
}

// NewCachedBatchedService binds name to the given components. A missing cache
// or batcher gets a private one with default settings; the private cache is
// started here and both are released by Close. Shared components stay owned by
// whoever passed them in.
func NewCachedBatchedService(name string, config CachedBatchedConfig) *CachedBatchedService {
	log := logger.OrNop(config.Logger)
	metricsManager := metrics.OrNop(config.Metrics)

	if name == "" {
		name = "default"
	}

	cacheManager := config.Cache
	ownsCache := cacheManager == nil
	if ownsCache {
		cacheManager = cache.NewCacheManager(nil, log, metricsManager)
		if err := cacheManager.Start(); err != nil {
			log.Warn("Failed to start private cache", zap.String("service", name), zap.Error(err))
		}
	}

	batcher := config.Batcher
	ownsBatcher := batcher == nil
	if ownsBatcher {
		batcher = batch.NewManager(nil, log, metricsManager)
	}

	return &CachedBatchedService{
		name:        name,
		cache:       cacheManager,
		batcher:     batcher,
		breaker:     config.Breaker,
		retry:       config.Retry,
		timeout:     config.Timeout,
		concurrency: config.Concurrency,
		logger:      log,
		metrics:     metricsManager,
		ownsCache:   ownsCache,
		ownsBatcher: ownsBatcher,
	}
}

// Close destroys the private cache and batcher, if any. Shared components are
// left alone.
func (s *CachedBatchedService) Close() error {
	if s.ownsBatcher {
		s.batcher.Destroy()
	}
	if s.ownsCache {
		return s.cache.Destroy()
	}
	return nil
}

func (s *CachedBatchedService) Name() string {
	return s.name
}

func (s *CachedBatchedService) Cache() types.CacheManager {
	return s.cache
}

// Invalidate drops every cached key matching any of patterns and reports how many
// went. Settled loads for those keys are forgotten too, so the next Read reloads.
func (s *CachedBatchedService) Invalidate(patterns ...*regexp.Regexp) int {
	removed := 0
	for _, pattern := range patterns {
		if pattern == nil {
			continue
		}
		removed += s.cache.DeletePattern(pattern)
		s.batcher.Forget(s.name, pattern)
	}

	if removed > 0 {
		s.logger.Debug("Cache invalidated",
			zap.String("service", s.name),
			zap.Int("removed", removed))
	}

	return removed
}

// Read returns the cached value for key or loads it through op. Concurrent
// misses on the same key share one load. The load is detached from ctx: a
// caller that gives up gets ctx.Err() while the load still fills the cache.
func Read[T any](ctx context.Context, s *CachedBatchedService, key string, ttl time.Duration, op resilience.Operation[T]) (T, error) {
	var zero T

	if key == "" {
		return zero, types.ErrCacheKeyEmpty
	}
	if op == nil {
		return zero, types.ErrOperationIsNil
	}

	if value, ok := cache.GetAs[T](s.cache, key); ok {
		s.recordRead("hit")
		return value, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	result := make(chan readResult[T], 1)

	go func() {
		value, err := batch.Do(s.batcher, s.name, key, func() (T, error) {
			value, err := resilience.ResilientCall(loadCtx, op, s.callOptions(key))
			if err != nil {
				return value, err
			}

			if setErr := s.cache.Set(key, value, ttl); setErr != nil {
				s.logger.Warn("Failed to cache loaded value",
					zap.String("service", s.name),
					zap.String("cache_key", key),
					zap.Error(setErr))
			}

			return value, nil
		})
		result <- readResult[T]{value: value, err: err}
	}()

	select {
	case res := <-result:
		if res.err != nil {
			s.recordRead("error")
			return zero, res.err
		}
		s.recordRead("miss")
		return res.value, nil
	case <-ctx.Done():
		s.recordRead("abandoned")
		return zero, ctx.Err()
	}
}

// Write runs op once, without retries or caching, and on success drops every
// key matching patterns. A failed write leaves the cache untouched.
func Write[T any](ctx context.Context, s *CachedBatchedService, op resilience.Operation[T], patterns ...*regexp.Regexp) (T, error) {
	var zero T

	if op == nil {
		return zero, types.ErrOperationIsNil
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	value, err := op()
	if err != nil {
		s.metrics.Counter("service_writes_total", map[string]string{
			"service": s.name,
			"result":  "error",
		}).Inc()
		return zero, err
	}

	s.Invalidate(patterns...)

	s.metrics.Counter("service_writes_total", map[string]string{
		"service": s.name,
		"result":  "success",
	}).Inc()

	return value, nil
}

// Prefetch loads keys concurrently through the resilient pool and caches each
// result. It returns the keys that were stored.
func Prefetch[T any](ctx context.Context, s *CachedBatchedService, keys []string, ttl time.Duration, loader func(key string) (T, error)) []string {
	if loader == nil || len(keys) == 0 {
		return []string{}
	}

	ops := make([]resilience.Operation[string], 0, len(keys))
	for _, key := range keys {
		key := key
		ops = append(ops, func() (string, error) {
			value, err := loader(key)
			if err != nil {
				return "", err
			}
			if err := s.cache.Set(key, value, ttl); err != nil {
				return "", err
			}
			return key, nil
		})
	}

	options := s.callOptions("prefetch")
	options.Name = s.name + ":prefetch"

	warmed := resilience.BatchWithResilience(ctx, ops, resilience.BatchOptions{
		CallOptions: options,
		Concurrency: s.concurrency,
	})

	s.logger.Debug("Prefetch completed",
		zap.String("service", s.name),
		zap.Int("requested", len(keys)),
		zap.Int("warmed", len(warmed)))

	return warmed
}

// EntityPattern matches the key built from parts and every key nested under it.
func EntityPattern(parts ...interface{}) *regexp.Regexp {
	prefix := regexp.QuoteMeta(utils.GenerateKey(parts...))
	return regexp.MustCompile("^" + prefix + "(" + regexp.QuoteMeta(string(utils.KeyDelimiter)) + "|$)")
}

type readResult[T any] struct {
	value T
	err   error
}

func (s *CachedBatchedService) callOptions(key string) resilience.CallOptions {
	options := resilience.CallOptions{
		Name:    s.name,
		Retry:   s.retry,
		Breaker: s.breaker,
		Timeout: s.timeout,
		Logger:  s.logger,
		Metrics: s.metrics,
	}

	if s.timeout > 0 {
		options.TimeoutMessage = fmt.Sprintf("%s: %s timed out after %s", s.name, key, s.timeout)
	}

	return options
}

func (s *CachedBatchedService) recordRead(result string) {
	s.metrics.Counter("service_reads_total", map[string]string{
		"service": s.name,
		"result":  result,
	}).Inc()
}
