// Package batch coalesces concurrent calls that share a key.
//
// Calls are grouped per batch key and executed together once the group reaches
// MaxBatchSize or BatchTimeout elapses. Executing a group runs every operation
// concurrently; each caller gets its own operation's outcome. Calls carrying the
// same (batchKey, requestID) while one is in flight share a single execution.
package batch

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
	"github.com/saiset-co/sai-rpccache/utils"
)

const (
	DefaultMaxBatchSize = 10
	DefaultBatchTimeout = 10 * time.Millisecond
	DefaultDedupWindow  = 100 * time.Millisecond
)

type Operation func() (interface{}, error)

// call is the shared outcome of one execution; done is closed once val/err are set.
type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

type request struct {
	id        string
	dedupeKey string
	op        Operation
	call      *call
}

type queue struct {
	requests []*request
	timer    *time.Timer
}

type Manager struct {
	config          *types.BatchConfig
	logger          types.Logger
	metrics         types.MetricsManager
	mu              sync.Mutex
	queues          map[string]*queue
	inflight        map[string]*call
	running         sync.WaitGroup
	stopped         bool
	shutdownTimeout time.Duration
}

func NewManager(config *types.BatchConfig, log types.Logger, metricsManager types.MetricsManager) *Manager {
	batchConfig := &types.BatchConfig{
		MaxBatchSize: DefaultMaxBatchSize,
		BatchTimeout: DefaultBatchTimeout,
		DedupWindow:  DefaultDedupWindow,
	}

	if config != nil {
		if config.MaxBatchSize > 0 {
			batchConfig.MaxBatchSize = config.MaxBatchSize
		}
		if config.BatchTimeout > 0 {
			batchConfig.BatchTimeout = config.BatchTimeout
		}
		if config.DedupWindow != 0 {
			batchConfig.DedupWindow = config.DedupWindow
		}
	}

	return &Manager{
		config:          batchConfig,
		logger:          logger.OrNop(log).With(zap.String("component", "batch")),
		metrics:         metrics.OrNop(metricsManager),
		queues:          make(map[string]*queue),
		inflight:        make(map[string]*call),
		shutdownTimeout: 10 * time.Second,
	}
}

// GenerateKey builds a batch key from ordered parts joined with ':'.
func GenerateKey(parts ...interface{}) string {
	return utils.GenerateKey(parts...)
}

// Batch enqueues op under batchKey and blocks until its group has executed.
// An empty requestID disables deduplication for this call.
func (m *Manager) Batch(batchKey, requestID string, op Operation) (interface{}, error) {
	if batchKey == "" {
		return nil, types.ErrBatchKeyEmpty
	}
	if op == nil {
		return nil, types.ErrOperationIsNil
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	dedupeKey := batchKey + ":" + requestID

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, types.ErrBatchManagerStopped
	}

	if existing, ok := m.inflight[dedupeKey]; ok {
		m.mu.Unlock()
		m.metrics.Counter("batch_dedup_hits_total", map[string]string{"batch_key": batchKey}).Inc()
		<-existing.done
		return existing.val, existing.err
	}

	c := &call{done: make(chan struct{})}
	m.inflight[dedupeKey] = c

	q, ok := m.queues[batchKey]
	if !ok {
		q = &queue{}
		m.queues[batchKey] = q
	}
	q.requests = append(q.requests, &request{
		id:        requestID,
		dedupeKey: dedupeKey,
		op:        op,
		call:      c,
	})

	switch {
	case len(q.requests) >= m.config.MaxBatchSize:
		requests := m.takeQueueUnsafe(batchKey, q)
		m.mu.Unlock()
		go m.execute(batchKey, requests)
	case len(q.requests) == 1:
		q.timer = time.AfterFunc(m.config.BatchTimeout, func() {
			m.flushQueue(batchKey, q)
		})
		m.mu.Unlock()
	default:
		m.mu.Unlock()
	}

	<-c.done
	return c.val, c.err
}

// Do is the typed form of Manager.Batch.
func Do[T any](m *Manager, batchKey, requestID string, op func() (T, error)) (T, error) {
	var zero T

	if op == nil {
		return zero, types.ErrOperationIsNil
	}

	value, err := m.Batch(batchKey, requestID, func() (interface{}, error) {
		return op()
	})
	if err != nil {
		return zero, err
	}

	if value == nil {
		return zero, nil
	}

	typed, ok := value.(T)
	if !ok {
		return zero, types.Errorf(types.ErrCacheTypeMismatch, "batch %s: got %T", batchKey, value)
	}

	return typed, nil
}

// Flush executes every pending group now and waits for them to settle.
func (m *Manager) Flush() {
	m.mu.Lock()
	pending := make(map[string][]*request, len(m.queues))
	for batchKey, q := range m.queues {
		pending[batchKey] = m.takeQueueUnsafe(batchKey, q)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for batchKey, requests := range pending {
		wg.Add(1)
		go func(batchKey string, requests []*request) {
			defer wg.Done()
			m.execute(batchKey, requests)
		}(batchKey, requests)
	}
	wg.Wait()
}

// Clear drops every pending group; their callers receive ErrBatchCleared.
func (m *Manager) Clear() {
	m.mu.Lock()
	dropped := make([]*request, 0)
	for batchKey, q := range m.queues {
		if q.timer != nil {
			q.timer.Stop()
		}
		dropped = append(dropped, q.requests...)
		delete(m.queues, batchKey)
	}
	for _, req := range dropped {
		if m.inflight[req.dedupeKey] == req.call {
			delete(m.inflight, req.dedupeKey)
		}
	}
	m.mu.Unlock()

	for _, req := range dropped {
		req.call.err = types.ErrBatchCleared
		close(req.call.done)
	}

	if len(dropped) > 0 {
		m.logger.Debug("Pending batches cleared", zap.Int("requests", len(dropped)))
	}
}

// Forget drops settled results under batchKey whose request id matches pattern,
// so the next call with such an id runs again. In-flight calls are kept.
func (m *Manager) Forget(batchKey string, pattern *regexp.Regexp) int {
	if pattern == nil {
		return 0
	}

	prefix := batchKey + ":"

	m.mu.Lock()
	defer m.mu.Unlock()

	forgotten := 0
	for dedupeKey, c := range m.inflight {
		requestID, ok := strings.CutPrefix(dedupeKey, prefix)
		if !ok || !pattern.MatchString(requestID) {
			continue
		}

		select {
		case <-c.done:
			delete(m.inflight, dedupeKey)
			forgotten++
		default:
		}
	}

	return forgotten
}

func (m *Manager) GetPendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, q := range m.queues {
		count += len(q.requests)
	}
	return count
}

// Destroy flushes pending groups, waits for running ones and rejects later calls.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.Flush()

	done := make(chan struct{})
	go func() {
		m.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Debug("Batch manager stopped gracefully")
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Batch manager stop timeout, some operations are still running")
	}

	m.mu.Lock()
	m.inflight = make(map[string]*call)
	m.mu.Unlock()
}

func (m *Manager) flushQueue(batchKey string, q *queue) {
	m.mu.Lock()
	if m.queues[batchKey] != q {
		m.mu.Unlock()
		return
	}
	requests := m.takeQueueUnsafe(batchKey, q)
	m.mu.Unlock()

	m.execute(batchKey, requests)
}

// takeQueueUnsafe detaches q from the manager and registers its execution.
func (m *Manager) takeQueueUnsafe(batchKey string, q *queue) []*request {
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(m.queues, batchKey)
	m.running.Add(1)
	return q.requests
}

func (m *Manager) execute(batchKey string, requests []*request) {
	defer m.running.Done()

	start := time.Now()

	var g errgroup.Group
	for _, req := range requests {
		req := req
		g.Go(func() error {
			val, err := runOperation(req.op)
			m.settle(req, val, err)
			return nil
		})
	}
	_ = g.Wait()

	m.metrics.Counter("batch_executions_total", map[string]string{"batch_key": batchKey}).Inc()
	m.metrics.Histogram("batch_size", []float64{1, 2, 5, 10, 25, 50, 100}, nil).Observe(float64(len(requests)))

	m.logger.Debug("Batch executed",
		zap.String("batch_key", batchKey),
		zap.Int("requests", len(requests)),
		zap.Duration("duration", time.Since(start)))
}

func (m *Manager) settle(req *request, val interface{}, err error) {
	req.call.val = val
	req.call.err = err
	close(req.call.done)

	if m.config.DedupWindow < 0 {
		m.forget(req)
		return
	}

	time.AfterFunc(m.config.DedupWindow, func() {
		m.forget(req)
	})
}

func (m *Manager) forget(req *request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight[req.dedupeKey] == req.call {
		delete(m.inflight, req.dedupeKey)
	}
}

func runOperation(op Operation) (val interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = types.Errorf(types.ErrOperationPanicked, "%v", r)
		}
	}()

	return op()
}
