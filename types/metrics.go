package types

import (
	"net/http"
	"time"
)

// MetricsManager hands out metric handles by name and label set. A handle for
// an unknown label set is a no-op, so recording never fails the caller.
type MetricsManager interface {
	LifecycleManager

	Counter(name string, labels map[string]string) Counter
	Gauge(name string, labels map[string]string) Gauge
	Histogram(name string, buckets []float64, labels map[string]string) Histogram

	// Handler serves the registry in the Prometheus exposition format.
	Handler() http.Handler
	// GetMetrics returns a JSON snapshot of every series.
	GetMetrics() ([]byte, error)
}

type Counter interface {
	Inc()
	Add(value float64)
	Get() float64
}

type Gauge interface {
	Counter
	Set(value float64)
	Dec()
	Sub(value float64)
}

type Histogram interface {
	Observe(value float64)
	ObserveDuration(start time.Time)
	GetCount() uint64
	GetSum() float64
}
