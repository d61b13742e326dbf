package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
)

func newPrometheus(t *testing.T) *metrics.PrometheusMetrics {
	t.Helper()

	m, err := metrics.NewPrometheusMetrics(logger.NewNop(), &types.MetricsConfig{
		Enabled:   true,
		Namespace: "test",
	})
	require.NoError(t, err)

	return m
}

func TestCacheManager_RecordsOperations(t *testing.T) {
	m := newPrometheus(t)
	c := NewCacheManager(&types.CacheConfig{MaxSize: 10}, nil, m)
	t.Cleanup(func() {
		_ = c.Destroy()
	})

	require.NoError(t, c.Set("price:ETH", 3120.55, time.Minute))
	require.NoError(t, c.Set("price:BTC", 67012.4, time.Minute))

	_, ok := c.Get("price:ETH")
	require.True(t, ok)
	_, ok = c.Get("price:DOGE")
	require.False(t, ok)

	assert.Equal(t, 1, c.DeletePattern(regexp.MustCompile(`^price:BTC$`)))

	assert.Equal(t, float64(1), m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "hit"}).Get())
	assert.Equal(t, float64(1), m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"}).Get())
	assert.Equal(t, float64(2), m.Counter("cache_operations_total", map[string]string{"operation": "set", "result": "success"}).Get())
	assert.Equal(t, float64(1), m.Gauge("cache_entries", nil).Get())
}

func TestCacheManager_NilDependencies(t *testing.T) {
	c := NewCacheManager(nil, nil, nil)
	t.Cleanup(func() {
		_ = c.Destroy()
	})

	require.NoError(t, c.Set("k", "v", 0))

	value, ok := GetAs[string](c, "k")
	require.True(t, ok)
	assert.Equal(t, "v", value)

	assert.Equal(t, DefaultMaxSize, c.GetStats().MaxSize)
}

func TestGetAs(t *testing.T) {
	c := NewCacheManager(nil, nil, nil)
	t.Cleanup(func() {
		_ = c.Destroy()
	})

	require.NoError(t, c.Set("n", 42, time.Minute))

	n, ok := GetAs[int](c, "n")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	s, ok := GetAs[string](c, "n")
	assert.False(t, ok)
	assert.Empty(t, s)

	_, ok = GetAs[int](c, "missing")
	assert.False(t, ok)
}
