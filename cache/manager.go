package cache

import (
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

// NewCacheManager builds the memory cache and wraps it with operation metrics.
func NewCacheManager(config *types.CacheConfig, log types.Logger, metricsManager types.MetricsManager) types.CacheManager {
	log = logger.OrNop(log)
	impl := NewMemoryCache(config, log)

	return newInstrumentedCacheManager(log, metrics.OrNop(metricsManager), impl)
}

// GenerateKey builds a cache key from ordered parts joined with ':'.
func GenerateKey(parts ...interface{}) string {
	return utils.GenerateKey(parts...)
}

// GetAs reads key and asserts the stored value to T. A value of another type
// reads as absent.
func GetAs[T any](c types.CacheManager, key string) (T, bool) {
	var zero T

	value, ok := c.Get(key)
	if !ok {
		return zero, false
	}

	typed, ok := value.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}

type instrumentedCacheManager struct {
	impl    types.CacheManager
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedCacheManager(logger types.Logger, metrics types.MetricsManager, impl types.CacheManager) types.CacheManager {
	return &instrumentedCacheManager{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (icm *instrumentedCacheManager) Get(key string) (interface{}, bool) {
	start := time.Now()
	value, exists := icm.impl.Get(key)

	result := "miss"
	if exists {
		result = "hit"
	}

	icm.recordMetric("get", result, time.Since(start))
	return value, exists
}

func (icm *instrumentedCacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	start := time.Now()
	err := icm.impl.Set(key, value, ttl)

	result := "success"
	if err != nil {
		result = "error"
		icm.logger.Warn("Failed to set cache entry", zap.String("cache_key", key), zap.Error(err))
	}

	icm.recordMetric("set", result, time.Since(start))
	icm.recordSize()
	return err
}

func (icm *instrumentedCacheManager) Has(key string) bool {
	return icm.impl.Has(key)
}

func (icm *instrumentedCacheManager) Delete(key string) bool {
	start := time.Now()
	deleted := icm.impl.Delete(key)

	result := "missing"
	if deleted {
		result = "success"
	}

	icm.recordMetric("delete", result, time.Since(start))
	icm.recordSize()
	return deleted
}

func (icm *instrumentedCacheManager) DeletePattern(pattern *regexp.Regexp) int {
	start := time.Now()
	removed := icm.impl.DeletePattern(pattern)

	icm.recordMetric("delete_pattern", "success", time.Since(start))
	icm.recordSize()
	return removed
}

func (icm *instrumentedCacheManager) Clear() {
	icm.impl.Clear()
	icm.recordSize()
}

func (icm *instrumentedCacheManager) Warm(entries []types.WarmEntry) error {
	start := time.Now()
	err := icm.impl.Warm(entries)

	result := "success"
	if err != nil {
		result = "error"
	}

	icm.recordMetric("warm", result, time.Since(start))
	icm.recordSize()
	return err
}

func (icm *instrumentedCacheManager) Keys() []string {
	return icm.impl.Keys()
}

func (icm *instrumentedCacheManager) Size() int {
	return icm.impl.Size()
}

func (icm *instrumentedCacheManager) GetStats() types.CacheStats {
	return icm.impl.GetStats()
}

func (icm *instrumentedCacheManager) ResetStats() {
	icm.impl.ResetStats()
}

func (icm *instrumentedCacheManager) Destroy() error {
	err := icm.impl.Destroy()
	icm.recordSize()
	return err
}

func (icm *instrumentedCacheManager) Start() error {
	return icm.impl.Start()
}

func (icm *instrumentedCacheManager) Stop() error {
	return icm.impl.Stop()
}

func (icm *instrumentedCacheManager) IsRunning() bool {
	return icm.impl.IsRunning()
}

func (icm *instrumentedCacheManager) recordMetric(operation, result string, duration time.Duration) {
	icm.metrics.Counter("cache_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	icm.metrics.Histogram("cache_operation_duration_seconds",
		[]float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func (icm *instrumentedCacheManager) recordSize() {
	icm.metrics.Gauge("cache_entries", nil).Set(float64(icm.impl.Size()))
}
