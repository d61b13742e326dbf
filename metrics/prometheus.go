package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

type PrometheusMetrics struct {
	logger     types.Logger
	config     *types.MetricsConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    int32
}

type MetricValue struct {
	Name   string            `json:"name"`
	Type   string            `json:"type"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels"`
	Help   string            `json:"help"`
}

func NewPrometheusMetrics(log types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	if config == nil {
		return nil, types.ErrMetricsConfigInvalid
	}

	registry := prometheus.NewRegistry()
	if config.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	log = logger.OrNop(log).With(zap.String("component", "metrics"))

	metrics := &PrometheusMetrics{
		logger:     log,
		config:     config,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	log.Debug("Prometheus metrics initialized",
		zap.String("namespace", config.Namespace),
		zap.String("subsystem", config.Subsystem),
		zap.Bool("go_metrics", config.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// help documents the series the service records. Names missing here get a
// generic description.
var help = map[string]string{
	"cache_operations_total":            "Cache operations by operation and result.",
	"cache_entries":                     "Entries currently held by the cache.",
	"batch_executions_total":            "Batched operations executed, by batch key and result.",
	"batch_dedup_hits_total":            "Calls served by an in-flight or recent identical call.",
	"batch_size":                        "Number of operations per flushed batch.",
	"circuit_breaker_state":             "Breaker state: 0 closed, 1 open, 2 half-open.",
	"circuit_breaker_transitions_total": "Breaker state transitions.",
	"circuit_breaker_rejections_total":  "Calls rejected while the breaker was open.",
	"retry_attempts_total":              "Retry attempts after a failed first try.",
	"resilient_calls_total":             "Resilient calls by result.",
	"sync_task_executions_total":        "Background sync task runs by task and result.",
	"upstream_requests_total":           "JSON-RPC requests sent upstream by method and result.",
	"http_requests_total":               "HTTP requests served by method, path and status.",
}

func describe(name, kind string) string {
	if text, ok := help[name]; ok {
		return text
	}
	return fmt.Sprintf("%s metric %s", kind, name)
}

// vec returns the collector registered under name, building and registering
// it on first use.
func vec[V prometheus.Collector](p *PrometheusMetrics, store map[string]V, name string, build func() V) V {
	if existing, ok := store[name]; ok {
		return existing
	}

	created := build()
	p.registry.MustRegister(created)
	store[name] = created
	p.logger.Debug("Prometheus collector registered", zap.String("name", name))

	return created
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	counters := vec(p, p.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        describe(name, "Counter"),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	c, err := counters.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Counter labels mismatch", zap.String("name", name), zap.Error(err))
		return nopCounter{}
	}

	return counter{c}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	gauges := vec(p, p.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        describe(name, "Gauge"),
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	g, err := gauges.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Gauge labels mismatch", zap.String("name", name), zap.Error(err))
		return nopGauge{}
	}

	return gauge{g}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	histograms := vec(p, p.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        describe(name, "Histogram"),
			Buckets:     buckets,
			ConstLabels: p.config.Labels,
		}, labelNames(labels))
	})

	h, err := histograms.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Histogram labels mismatch", zap.String("name", name), zap.Error(err))
		return nopHistogram{}
	}

	return histogram{h}
}

func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	gathering, err := p.registry.Gather()
	if err != nil {
		p.logger.Error("Failed to gather prometheus metrics", zap.Error(err))
		return nil, err
	}

	var metrics []MetricValue
	for _, mf := range gathering {
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, label := range m.GetLabel() {
				labels[label.GetName()] = label.GetValue()
			}

			var value float64
			switch {
			case m.Counter != nil:
				value = m.Counter.GetValue()
			case m.Gauge != nil:
				value = m.Gauge.GetValue()
			case m.Histogram != nil:
				value = m.Histogram.GetSampleSum()
			}

			metrics = append(metrics, MetricValue{
				Name:   mf.GetName(),
				Type:   mf.GetType().String(),
				Value:  value,
				Labels: labels,
				Help:   mf.GetHelp(),
			})
		}
	}

	sort.SliceStable(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})

	return utils.Marshal(metrics)
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// read snapshots a single series.
func read(m prometheus.Metric) *dto.Metric {
	snapshot := &dto.Metric{}
	if err := m.Write(snapshot); err != nil {
		return &dto.Metric{}
	}
	return snapshot
}

type counter struct {
	prometheus.Counter
}

func (c counter) Get() float64 {
	return read(c.Counter).GetCounter().GetValue()
}

type gauge struct {
	prometheus.Gauge
}

func (g gauge) Get() float64 {
	return read(g.Gauge).GetGauge().GetValue()
}

type histogram struct {
	prometheus.Observer
}

func (h histogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h histogram) GetCount() uint64 {
	return h.snapshot().GetSampleCount()
}

func (h histogram) GetSum() float64 {
	return h.snapshot().GetSampleSum()
}

func (h histogram) snapshot() *dto.Histogram {
	m, ok := h.Observer.(prometheus.Metric)
	if !ok {
		return nil
	}
	return read(m).GetHistogram()
}
