package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-rpccache/types"
)

const sampleConfig = `
name: oracle
version: 1.2.0
logger:
  type: nop
  level: debug
cache:
  max_size: 500
  default_ttl: 15s
  cleanup_interval: 30s
batch:
  max_batch_size: 25
  batch_timeout: 5ms
circuit_breaker:
  enabled: true
  failure_threshold: 3
  reset_timeout: 1m
retry:
  max_attempts: 4
  initial_delay: 200ms
metrics:
  enabled: true
  namespace: oracle
  labels:
    region: eu
timeout: 2s
`

func TestLoader_LoadFromBytes(t *testing.T) {
	loader := NewLoader()

	t.Run("MergesOverDefaults", func(t *testing.T) {
		config, raw, err := loader.LoadFromBytes([]byte(sampleConfig))
		require.NoError(t, err)

		assert.Equal(t, "oracle", config.Name)
		assert.Equal(t, "1.2.0", config.Version)
		assert.Equal(t, 500, config.Cache.MaxSize)
		assert.Equal(t, 15*time.Second, config.Cache.DefaultTTL)
		assert.Equal(t, 25, config.Batch.MaxBatchSize)
		assert.Equal(t, 5*time.Millisecond, config.Batch.BatchTimeout)
		assert.Equal(t, 100*time.Millisecond, config.Batch.DedupWindow)
		assert.Equal(t, 3, config.CircuitBreaker.FailureThreshold)
		assert.Equal(t, time.Minute, config.CircuitBreaker.ResetTimeout)
		assert.Equal(t, 2, config.CircuitBreaker.SuccessThreshold)
		assert.Equal(t, 4, config.Retry.MaxAttempts)
		assert.Equal(t, 200*time.Millisecond, config.Retry.InitialDelay)
		assert.Equal(t, 30*time.Second, config.Retry.MaxDelay)
		assert.Equal(t, 2*time.Second, config.Timeout)
		assert.Equal(t, map[string]string{"region": "eu"}, config.Metrics.Labels)
		assert.True(t, config.Sync.Enabled)

		assert.Contains(t, raw, "cache")
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		_, _, err := loader.LoadFromBytes([]byte("cache: [unclosed"))
		assert.ErrorIs(t, err, types.ErrConfigParseFailed)
	})

	t.Run("InvalidDuration", func(t *testing.T) {
		_, _, err := loader.LoadFromBytes([]byte("cache:\n  default_ttl: soon\n"))
		assert.ErrorIs(t, err, types.ErrConfigParseFailed)
	})

	t.Run("ValidationFails", func(t *testing.T) {
		_, _, err := loader.LoadFromBytes([]byte("cache:\n  max_size: 0\n"))
		assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
	})
}

func TestLoader_Defaults(t *testing.T) {
	loader := NewLoader()
	require.NoError(t, loader.Validate(loader.Defaults()))
	assert.ErrorIs(t, loader.Validate(nil), types.ErrConfigIsNil)
}

func TestConfigurationManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "oracle", cm.GetConfig().Name)

	t.Run("GetValue", func(t *testing.T) {
		assert.Equal(t, 500, cm.GetValue("cache.max_size", 0))
		assert.Equal(t, "eu", cm.GetValue("metrics.labels.region", ""))
		assert.Equal(t, "fallback", cm.GetValue("cache.missing", "fallback"))
		assert.Equal(t, "fallback", cm.GetValue("name.nested", "fallback"))
	})

	t.Run("GetAs", func(t *testing.T) {
		var cacheConfig types.CacheConfig
		require.NoError(t, cm.GetAs("cache", &cacheConfig))
		assert.Equal(t, 15*time.Second, cacheConfig.DefaultTTL)

		assert.ErrorIs(t, cm.GetAs("missing", &cacheConfig), types.ErrConfigNotFound)
	})

	t.Run("GetAllPaths", func(t *testing.T) {
		paths := cm.GetAllPaths()
		assert.Contains(t, paths, "cache.max_size")
		assert.Contains(t, paths, "metrics.labels.region")
		assert.IsNonDecreasing(t, paths)
	})

	t.Run("Reload", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("name: reloaded\n"), 0o600))
		require.NoError(t, cm.Load())
		assert.Equal(t, "reloaded", cm.GetConfig().Name)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
		assert.ErrorIs(t, err, types.ErrConfigNotFound)
	})
}

func TestStaticConfigurationManager(t *testing.T) {
	config := NewLoader().Defaults()

	cm, err := NewStaticConfigurationManager(config)
	require.NoError(t, err)

	assert.Same(t, config, cm.GetConfig())
	assert.Equal(t, "fallback", cm.GetValue("cache.max_size", "fallback"))
	assert.ErrorIs(t, cm.Load(), types.ErrConfigInvalidPath)

	_, err = NewStaticConfigurationManager(nil)
	assert.ErrorIs(t, err, types.ErrConfigIsNil)
}
