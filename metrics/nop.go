package metrics

import (
	"net/http"
	"time"

	"github.com/saiset-co/sai-rpccache/types"
)

// NopMetrics satisfies types.MetricsManager when metrics are disabled.
type NopMetrics struct{}

func NewNop() types.MetricsManager {
	return NopMetrics{}
}

func OrNop(metrics types.MetricsManager) types.MetricsManager {
	if metrics == nil {
		return NewNop()
	}
	return metrics
}

func (NopMetrics) Start() error { return nil }
func (NopMetrics) Stop() error { return nil }
func (NopMetrics) IsRunning() bool { return true }

func (NopMetrics) Counter(string, map[string]string) types.Counter { return nopCounter{} }
func (NopMetrics) Gauge(string, map[string]string) types.Gauge { return nopGauge{} }
func (NopMetrics) Histogram(string, []float64, map[string]string) types.Histogram {
	return nopHistogram{}
}

func (NopMetrics) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (NopMetrics) GetMetrics() ([]byte, error) {
	return []byte("[]"), nil
}

type nopCounter struct{}

func (nopCounter) Inc() {}
func (nopCounter) Add(float64) {}
func (nopCounter) Get() float64 { return 0 }

type nopGauge struct{}

func (nopGauge) Set(float64) {}
func (nopGauge) Inc() {}
func (nopGauge) Dec() {}
func (nopGauge) Add(float64) {}
func (nopGauge) Sub(float64) {}
func (nopGauge) Get() float64 { return 0 }

type nopHistogram struct{}

func (nopHistogram) Observe(float64) {}
func (nopHistogram) ObserveDuration(time.Time) {}
func (nopHistogram) GetCount() uint64 { return 0 }
func (nopHistogram) GetSum() float64 { return 0 }
