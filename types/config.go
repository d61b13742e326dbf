package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name           string                `yaml:"name" json:"name" validate:"required"`
	Version        string                `yaml:"version" json:"version"`
	Logger         *LoggerConfig         `yaml:"logger" json:"logger" validate:"required"`
	Cache          *CacheConfig          `yaml:"cache" json:"cache" validate:"required"`
	Batch          *BatchConfig          `yaml:"batch" json:"batch" validate:"required"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker" validate:"required"`
	Retry          *RetryConfig          `yaml:"retry" json:"retry" validate:"required"`
	Sync           *SyncConfig           `yaml:"sync" json:"sync"`
	Metrics        *MetricsConfig        `yaml:"metrics" json:"metrics"`
	Health         *HealthConfig         `yaml:"health" json:"health"`
	HTTP           *HTTPConfig           `yaml:"http" json:"http"`
	Upstream       *UpstreamConfig       `yaml:"upstream" json:"upstream"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	Concurrency    int                   `yaml:"concurrency" json:"concurrency" validate:"min=0"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	MaxSize         int           `yaml:"max_size" json:"max_size" validate:"min=1"`
	DefaultTTL      time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval" validate:"min=0"`
}

// BatchConfig fields left at zero take the batch package defaults. A negative
// DedupWindow drops settled results as soon as their callers are answered.
type BatchConfig struct {
	MaxBatchSize int           `yaml:"max_batch_size" json:"max_batch_size" validate:"min=1"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout" validate:"min=0"`
	DedupWindow  time.Duration `yaml:"dedup_window" json:"dedup_window"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout" validate:"min=0"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" json:"monitor_interval" validate:"min=0"`
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold" validate:"min=0"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts" validate:"min=0"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay" validate:"min=0"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay" validate:"min=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier" validate:"min=0"`
}

type SyncConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled         bool              `yaml:"enabled" json:"enabled"`
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout" validate:"min=0"`
}

type HTTPConfig struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port" json:"port" validate:"min=0,max=65535"`
	Compression bool   `yaml:"compression" json:"compression"`
}

// UpstreamConfig points at the JSON-RPC node reads are served from. An empty URL
// leaves the demo binary on its built-in simulated node.
type UpstreamConfig struct {
	URL             string        `yaml:"url" json:"url" validate:"omitempty,url"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host" json:"max_conns_per_host" validate:"min=0"`
}
