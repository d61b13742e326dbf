package metrics

import (
	"github.com/saiset-co/sai-rpccache/types"
)

// NewManager returns a Prometheus-backed manager when metrics are enabled and a
// no-op manager otherwise, so components can always record unconditionally.
func NewManager(config *types.MetricsConfig, logger types.Logger) (types.MetricsManager, error) {
	if config == nil || !config.Enabled {
		return NewNop(), nil
	}

	manager, err := NewPrometheusMetrics(logger, config)
	if err != nil {
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return manager, nil
}
