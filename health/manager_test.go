package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-rpccache/types"
)

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestManager_Check(t *testing.T) {
	t.Run("AllHealthy", func(t *testing.T) {
		hm := NewManager("oracle", nil, nil)
		hm.RegisterChecker("cache", healthy)
		hm.RegisterChecker("breaker", healthy)
		hm.RegisterChecker("ignored", nil)

		report := hm.Check(context.Background())

		assert.Equal(t, types.StatusHealthy, report.Status)
		assert.Equal(t, "oracle", report.Service)
		assert.NotEmpty(t, report.Build)
		assert.Equal(t, types.HealthSummary{Total: 2, Healthy: 2}, report.Summary)
		assert.Equal(t, "cache", report.Checks["cache"].Name)
		assert.False(t, report.Checks["cache"].LastCheck.IsZero())
		assert.Equal(t, []string{"breaker", "cache"}, hm.CheckerNames())
	})

	t.Run("UnknownDegrades", func(t *testing.T) {
		hm := NewManager("oracle", nil, nil)
		hm.RegisterChecker("cache", healthy)
		hm.RegisterChecker("sync", func(context.Context) types.HealthCheck {
			return types.HealthCheck{Status: types.StatusUnknown, Message: "scheduler is not running"}
		})

		report := hm.Check(context.Background())
		assert.Equal(t, types.StatusUnknown, report.Status)
		assert.Equal(t, 1, report.Summary.Unknown)
	})

	t.Run("UnhealthyWins", func(t *testing.T) {
		hm := NewManager("oracle", nil, nil)
		hm.RegisterChecker("sync", func(context.Context) types.HealthCheck {
			return types.HealthCheck{Status: types.StatusUnknown}
		})
		hm.RegisterChecker("breaker", func(context.Context) types.HealthCheck {
			return types.HealthCheck{Status: types.StatusUnhealthy, Message: "circuit is open"}
		})

		report := hm.Check(context.Background())
		assert.Equal(t, types.StatusUnhealthy, report.Status)
		assert.Equal(t, "circuit is open", report.Checks["breaker"].Message)
	})

	t.Run("Timeout", func(t *testing.T) {
		hm := NewManager("oracle", &types.HealthConfig{CheckTimeout: 20 * time.Millisecond}, nil)
		hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
			time.Sleep(200 * time.Millisecond)
			return types.HealthCheck{Status: types.StatusHealthy}
		})

		start := time.Now()
		report := hm.Check(context.Background())

		assert.Less(t, time.Since(start), 150*time.Millisecond)
		assert.Equal(t, types.StatusUnhealthy, report.Checks["slow"].Status)
		assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
	})

	t.Run("Panic", func(t *testing.T) {
		hm := NewManager("oracle", nil, nil)
		hm.RegisterChecker("broken", func(context.Context) types.HealthCheck {
			panic("boom")
		})

		report := hm.Check(context.Background())
		assert.Equal(t, types.StatusUnhealthy, report.Status)
		assert.Contains(t, report.Checks["broken"].Message, "boom")
	})

	t.Run("NoCheckers", func(t *testing.T) {
		report := NewManager("oracle", nil, nil).Check(context.Background())
		assert.Equal(t, types.StatusHealthy, report.Status)
		assert.Zero(t, report.Summary.Total)
	})
}

func TestManager_Lifecycle(t *testing.T) {
	hm := NewManager("oracle", nil, nil)

	assert.ErrorIs(t, hm.Stop(), types.ErrServerNotRunning)
	require.NoError(t, hm.Start())
	assert.True(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Start(), types.ErrServerAlreadyRunning)
	require.NoError(t, hm.Stop())
	assert.False(t, hm.IsRunning())
}

func TestBuildInfo(t *testing.T) {
	t.Setenv("BUILD_VERSION", "1.4.0")
	t.Setenv("BUILD_COMMIT", "0123456789abcdef")

	info := GetBuildInfo()

	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "0123456789abcdef", info.GitCommit)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), "1.4.0-0123456")
}
