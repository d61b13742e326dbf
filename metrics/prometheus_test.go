package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()

	m, err := NewPrometheusMetrics(logger.NewNop(), &types.MetricsConfig{
		Enabled:   true,
		Namespace: "rpccache",
		Labels:    map[string]string{"instance": "test"},
	})
	require.NoError(t, err)

	return m
}

func TestPrometheusMetrics_Counter(t *testing.T) {
	m := newTestMetrics(t)
	labels := map[string]string{"operation": "get", "result": "hit"}

	m.Counter("cache_operations_total", labels).Inc()
	m.Counter("cache_operations_total", labels).Add(2)
	m.Counter("cache_operations_total", map[string]string{"operation": "get", "result": "miss"}).Inc()

	assert.Equal(t, float64(3), m.Counter("cache_operations_total", labels).Get())

	t.Run("LabelMismatchIsNop", func(t *testing.T) {
		counter := m.Counter("cache_operations_total", map[string]string{"unexpected": "label"})
		assert.NotPanics(t, counter.Inc)
		assert.Zero(t, counter.Get())
	})
}

func TestPrometheusMetrics_Gauge(t *testing.T) {
	m := newTestMetrics(t)

	gauge := m.Gauge("cache_entries", nil)
	gauge.Set(10)
	gauge.Inc()
	gauge.Sub(3)
	gauge.Dec()
	gauge.Add(0.5)

	assert.Equal(t, 7.5, m.Gauge("cache_entries", nil).Get())
}

func TestPrometheusMetrics_Histogram(t *testing.T) {
	m := newTestMetrics(t)

	histogram := m.Histogram("batch_size", []float64{1, 5, 10}, map[string]string{"batch_key": "prices"})
	histogram.Observe(2)
	histogram.Observe(4)
	histogram.ObserveDuration(time.Now())

	assert.Equal(t, uint64(3), histogram.GetCount())
	assert.InDelta(t, 6, histogram.GetSum(), 0.01)
}

func TestPrometheusMetrics_GetMetrics(t *testing.T) {
	m := newTestMetrics(t)
	m.Counter("sync_task_executions_total", map[string]string{"task_id": "price:ETH", "result": "success"}).Inc()

	data, err := m.GetMetrics()
	require.NoError(t, err)

	var values []MetricValue
	require.NoError(t, utils.Unmarshal(data, &values))
	require.Len(t, values, 1)

	assert.Equal(t, "rpccache_sync_task_executions_total", values[0].Name)
	assert.Equal(t, "COUNTER", values[0].Type)
	assert.Equal(t, float64(1), values[0].Value)
	assert.Equal(t, "test", values[0].Labels["instance"])
	assert.Equal(t, "price:ETH", values[0].Labels["task_id"])
	assert.Equal(t, "Background sync task runs by task and result.", values[0].Help)
}

func TestPrometheusMetrics_Lifecycle(t *testing.T) {
	m := newTestMetrics(t)

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)

	_, err := NewPrometheusMetrics(logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrMetricsConfigInvalid)
}

func TestNewManager(t *testing.T) {
	disabled, err := NewManager(&types.MetricsConfig{Enabled: false}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, NopMetrics{}, disabled)

	enabled, err := NewManager(&types.MetricsConfig{Enabled: true, Namespace: "x"}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &PrometheusMetrics{}, enabled)

	assert.NotNil(t, OrNop(nil))
	assert.Same(t, enabled, OrNop(enabled))
}
