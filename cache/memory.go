package cache

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/types"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	MaxTTL                 = 24 * time.Hour
	DefaultTTL             = 30 * time.Second
	DefaultMaxSize         = 1000
	DefaultCleanupInterval = time.Minute
)

// MemoryCache is a mutex-guarded TTL map bounded to MaxSize entries.
//
// Eviction is by creation time: when room is needed the entry with the oldest
// CreatedAt is dropped, no matter how recently it was read.
type MemoryCache struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.CacheConfig
	logger          types.Logger
	data            map[string]*types.CacheEntry
	hits            uint64
	misses          uint64
	evictions       uint64
	mu              sync.RWMutex
	state           atomic.Value
	destroyed       atomic.Bool
	cleanupDone     chan struct{}
	entryPool       sync.Pool
	shutdownTimeout time.Duration
	now             func() time.Time
}

func NewMemoryCache(config *types.CacheConfig, log types.Logger) *MemoryCache {
	memConfig := &types.CacheConfig{
		MaxSize:         DefaultMaxSize,
		DefaultTTL:      DefaultTTL,
		CleanupInterval: DefaultCleanupInterval,
	}

	if config != nil {
		if config.MaxSize > 0 {
			memConfig.MaxSize = config.MaxSize
		}
		if config.DefaultTTL > 0 {
			memConfig.DefaultTTL = config.DefaultTTL
		}
		if config.CleanupInterval > 0 {
			memConfig.CleanupInterval = config.CleanupInterval
		}
	}

	cache := &MemoryCache{
		config:          memConfig,
		logger:          logger.OrNop(log).With(zap.String("component", "cache")),
		data:            make(map[string]*types.CacheEntry),
		shutdownTimeout: 5 * time.Second,
		now:             time.Now,
		entryPool: sync.Pool{
			New: func() interface{} {
				return &types.CacheEntry{}
			},
		},
	}

	cache.state.Store(MemoryStateStopped)

	return cache
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	now := m.now()

	m.mu.RLock()
	entry, exists := m.data[key]
	if !exists {
		m.mu.RUnlock()
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	if entry.Expired(now) {
		m.mu.RUnlock()
		m.evictExpired(key, now)
		atomic.AddUint64(&m.misses, 1)
		return nil, false
	}

	value := entry.Value
	m.mu.RUnlock()

	atomic.AddUint64(&m.hits, 1)

	return value, true
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if m.destroyed.Load() {
		return types.ErrCacheDestroyed
	}

	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	entry := m.entryPool.Get().(*types.CacheEntry)
	entry.Key = key
	entry.Value = value
	entry.TTL = ttl

	m.mu.Lock()
	defer m.mu.Unlock()

	if oldEntry, exists := m.data[key]; exists {
		m.returnEntryToPool(oldEntry)
	} else if len(m.data) >= m.config.MaxSize-1 {
		m.evictOldestUnsafe()
	}

	entry.CreatedAt = m.now()
	m.data[key] = entry

	return nil
}

// Has reports whether key holds a live entry. It does not touch hit/miss counters.
func (m *MemoryCache) Has(key string) bool {
	now := m.now()

	m.mu.RLock()
	entry, exists := m.data[key]
	expired := exists && entry.Expired(now)
	m.mu.RUnlock()

	if expired {
		m.evictExpired(key, now)
		return false
	}

	return exists
}

func (m *MemoryCache) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists {
		return false
	}

	delete(m.data, key)
	m.returnEntryToPool(entry)

	return true
}

func (m *MemoryCache) DeletePattern(pattern *regexp.Regexp) int {
	if pattern == nil {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, entry := range m.data {
		if pattern.MatchString(key) {
			delete(m.data, key)
			m.returnEntryToPool(entry)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Debug("Cache keys deleted by pattern",
			zap.String("pattern", pattern.String()),
			zap.Int("removed", removed))
	}

	return removed
}

func (m *MemoryCache) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.data {
		m.returnEntryToPool(entry)
	}
	m.data = make(map[string]*types.CacheEntry)
}

func (m *MemoryCache) Warm(entries []types.WarmEntry) error {
	var errs []error
	for _, entry := range entries {
		if err := m.Set(entry.Key, entry.Value, entry.TTL); err != nil {
			errs = append(errs, types.WrapError(err, "warm "+entry.Key))
		}
	}

	if len(errs) == 0 {
		m.logger.Debug("Cache warmed", zap.Int("entries", len(entries)))
	}

	return errors.Join(errs...)
}

// Keys returns the live keys in lexical order.
func (m *MemoryCache) Keys() []string {
	now := m.now()

	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for key, entry := range m.data {
		if !entry.Expired(now) {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

func (m *MemoryCache) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryCache) GetStats() types.CacheStats {
	hits := atomic.LoadUint64(&m.hits)
	misses := atomic.LoadUint64(&m.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return types.CacheStats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
		Evictions: atomic.LoadUint64(&m.evictions),
		Size:      m.Size(),
		MaxSize:   m.config.MaxSize,
	}
}

func (m *MemoryCache) ResetStats() {
	atomic.StoreUint64(&m.hits, 0)
	atomic.StoreUint64(&m.misses, 0)
	atomic.StoreUint64(&m.evictions, 0)
}

// Start launches the periodic sweep of expired entries.
func (m *MemoryCache) Start() error {
	if m.destroyed.Load() {
		return types.ErrCacheDestroyed
	}

	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory cache is already running")
		return types.ErrServerAlreadyRunning
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.cleanupDone = make(chan struct{})

	go m.startCleanupRoutine(m.ctx, m.cleanupDone)

	m.state.Store(MemoryStateRunning)
	m.logger.Debug("Memory cache started",
		zap.Int("max_size", m.config.MaxSize),
		zap.Duration("cleanup_interval", m.config.CleanupInterval))

	return nil
}

func (m *MemoryCache) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.state.Store(MemoryStateStopped)

	m.cancel()

	select {
	case <-m.cleanupDone:
		m.logger.Debug("Cleanup routine stopped")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cleanup routine stop timeout")
	}

	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

// Destroy stops the sweep and drops every entry. Later calls are no-ops.
func (m *MemoryCache) Destroy() error {
	if !m.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	if m.IsRunning() {
		if err := m.Stop(); err != nil {
			m.logger.Warn("Failed to stop memory cache", zap.Error(err))
		}
	}

	m.mu.Lock()
	cleared := len(m.data)
	m.data = make(map[string]*types.CacheEntry)
	m.mu.Unlock()

	m.logger.Debug("Memory cache destroyed", zap.Int("cleared_entries", cleared))

	return nil
}

func (m *MemoryCache) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryCache) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *MemoryCache) returnEntryToPool(entry *types.CacheEntry) {
	if entry == nil {
		return
	}

	entry.Key = ""
	entry.Value = nil
	entry.TTL = 0
	entry.CreatedAt = time.Time{}

	m.entryPool.Put(entry)
}

func (m *MemoryCache) evictExpired(key string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, exists := m.data[key]; exists && entry.Expired(now) {
		delete(m.data, key)
		m.returnEntryToPool(entry)
	}
}

func (m *MemoryCache) cleanup() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for key, entry := range m.data {
		if entry.Expired(now) {
			delete(m.data, key)
			m.returnEntryToPool(entry)
			expired++
		}
	}

	return expired
}

func (m *MemoryCache) startCleanupRoutine(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired := m.cleanup(); expired > 0 {
				m.logger.Debug("Cleanup completed", zap.Int("expired_entries", expired))
			}
		}
	}
}

func (m *MemoryCache) evictOldestUnsafe() {
	victimKey := m.findFIFOVictim()
	if victimKey == "" {
		return
	}

	m.returnEntryToPool(m.data[victimKey])
	delete(m.data, victimKey)
	atomic.AddUint64(&m.evictions, 1)
}

func (m *MemoryCache) findFIFOVictim() string {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range m.data {
		if oldestKey == "" || entry.CreatedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CreatedAt
		}
	}

	return oldestKey
}
