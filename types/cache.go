package types

import (
	"regexp"
	"time"
)

// CacheManager is a TTL key-value store with a bounded number of entries.
// Values are returned by value; entries are never exposed to callers.
type CacheManager interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	Has(key string) bool
	Delete(key string) bool
	DeletePattern(pattern *regexp.Regexp) int
	Clear()
	Warm(entries []WarmEntry) error
	Keys() []string
	Size() int
	GetStats() CacheStats
	ResetStats()
	Destroy() error
}

type CacheEntry struct {
	Key       string        `json:"key"`
	Value     interface{}   `json:"value"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

type WarmEntry struct {
	Key   string        `json:"key"`
	Value interface{}   `json:"value"`
	TTL   time.Duration `json:"ttl"`
}

type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
}
