// Package background re-runs registered reads on a fixed interval and writes
// their results into the cache, so hot keys are refreshed without a caller
// waiting on them.
package background

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/metrics"
	"github.com/saiset-co/sai-rpccache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const DefaultShutdownTimeout = 10 * time.Second

type taskEntry struct {
	task         types.SyncTask
	job          cron.Job
	entryID      cron.EntryID
	scheduled    bool
	lastRun      time.Time
	lastError    error
	successCount int64
	errorCount   int64
}

type Manager struct {
	cache           types.CacheManager
	logger          types.Logger
	metrics         types.MetricsManager
	cronLogger      cron.Logger
	cron            *cron.Cron
	tasks           map[string]*taskEntry
	mu              sync.RWMutex
	state           atomic.Value
	destroyed       atomic.Bool
	immediate       sync.WaitGroup
	shutdownTimeout time.Duration
}

// NewManager builds a stopped scheduler. cache may be nil when no task sets a CacheKey.
func NewManager(config *types.SyncConfig, cache types.CacheManager, log types.Logger, metricsManager types.MetricsManager) *Manager {
	log = logger.OrNop(log).With(zap.String("component", "sync"))

	shutdownTimeout := DefaultShutdownTimeout
	if config != nil && config.ShutdownTimeout > 0 {
		shutdownTimeout = config.ShutdownTimeout
	}

	manager := &Manager{
		cache:           cache,
		logger:          log,
		metrics:         metrics.OrNop(metricsManager),
		cronLogger:      cronLogger{logger: log},
		tasks:           make(map[string]*taskEntry),
		shutdownTimeout: shutdownTimeout,
	}

	manager.state.Store(StateStopped)

	return manager
}

// RegisterTask adds task and returns its id. A running scheduler starts it at once.
func (m *Manager) RegisterTask(task types.SyncTask) (string, error) {
	if m.destroyed.Load() {
		return "", types.ErrSyncManagerDestroyed
	}

	if task.Operation == nil {
		return "", types.Errorf(types.ErrSyncTaskInvalid, "operation is nil")
	}
	if task.Interval <= 0 {
		return "", types.Errorf(types.ErrSyncTaskInvalid, "interval must be positive, got %s", task.Interval)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.ID]; exists {
		return "", types.Errorf(types.ErrSyncTaskExists, "%s", task.ID)
	}

	entry := &taskEntry{task: task}
	entry.job = cron.NewChain(
		cron.Recover(m.cronLogger),
		cron.SkipIfStillRunning(m.cronLogger),
	).Then(cron.FuncJob(func() {
		m.execute(entry)
	}))

	m.tasks[task.ID] = entry

	if m.getState() == StateRunning {
		m.scheduleUnsafe(entry)
		m.runNowUnsafe(entry)
	}

	m.logger.Info("Sync task registered",
		zap.String("task_id", task.ID),
		zap.Duration("interval", task.Interval),
		zap.String("cache_key", task.CacheKey))

	return task.ID, nil
}

func (m *Manager) UnregisterTask(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.tasks[id]
	if !exists {
		return types.Errorf(types.ErrSyncTaskNotFound, "%s", id)
	}

	m.unscheduleUnsafe(entry)
	delete(m.tasks, id)

	m.logger.Info("Sync task unregistered", zap.String("task_id", id))

	return nil
}

// Start schedules every registered task and runs each of them once immediately.
func (m *Manager) Start() error {
	if m.destroyed.Load() {
		return types.ErrSyncManagerDestroyed
	}

	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	scheduler := cron.New(cron.WithLogger(m.cronLogger))

	m.mu.Lock()
	m.cron = scheduler
	m.state.Store(StateRunning)

	for _, entry := range m.tasks {
		m.scheduleUnsafe(entry)
		m.runNowUnsafe(entry)
	}
	count := len(m.tasks)
	m.mu.Unlock()

	scheduler.Start()
	m.metrics.Gauge("sync_scheduler_running", nil).Set(1)

	m.logger.Info("Background sync manager started", zap.Int("tasks", count))

	return nil
}

// Stop cancels every schedule and waits for runs in progress.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer m.state.Store(StateStopped)

	m.mu.Lock()
	for _, entry := range m.tasks {
		m.unscheduleUnsafe(entry)
	}
	scheduler := m.cron
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-gCtx.Done():
			return types.ErrSyncStopTimeout
		}
	})

	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			m.immediate.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return types.ErrSyncStopTimeout
		}
	})

	m.metrics.Gauge("sync_scheduler_running", nil).Set(0)

	if err := g.Wait(); err != nil {
		m.logger.Warn("Background sync manager stop timeout, some tasks are still running",
			zap.Duration("timeout", m.shutdownTimeout))
		return err
	}

	m.logger.Info("Background sync manager stopped gracefully")

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) IsManagerRunning() bool {
	return m.IsRunning()
}

// TriggerTask runs the task once in the calling goroutine, alongside any
// scheduled run of the same task that is still in progress.
func (m *Manager) TriggerTask(id string) error {
	if m.destroyed.Load() {
		return types.ErrSyncManagerDestroyed
	}

	m.mu.RLock()
	entry, exists := m.tasks[id]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrSyncTaskNotFound, "%s", id)
	}

	m.execute(entry)

	return nil
}

func (m *Manager) GetTaskStatus(id string) (types.SyncTaskStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, exists := m.tasks[id]
	if !exists {
		return types.SyncTaskStatus{}, false
	}

	return entry.statusUnsafe(), true
}

// GetAllTaskStatus returns a snapshot of every task ordered by id.
func (m *Manager) GetAllTaskStatus() []types.SyncTaskStatus {
	m.mu.RLock()
	statuses := make([]types.SyncTaskStatus, 0, len(m.tasks))
	for _, entry := range m.tasks {
		statuses = append(statuses, entry.statusUnsafe())
	}
	m.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})

	return statuses
}

func (m *Manager) GetTaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// GetRunningTaskCount counts tasks that currently hold a schedule.
func (m *Manager) GetRunningTaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.tasks {
		if entry.scheduled {
			count++
		}
	}
	return count
}

// Destroy stops the scheduler and forgets every task. Later registrations fail.
func (m *Manager) Destroy() error {
	if !m.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	if m.IsRunning() {
		err = m.Stop()
	}

	m.mu.Lock()
	m.tasks = make(map[string]*taskEntry)
	m.mu.Unlock()

	m.logger.Debug("Background sync manager destroyed")

	return err
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) scheduleUnsafe(entry *taskEntry) {
	if entry.scheduled {
		return
	}

	entry.entryID = m.cron.Schedule(intervalSchedule{interval: entry.task.Interval}, entry.job)
	entry.scheduled = true
}

func (m *Manager) unscheduleUnsafe(entry *taskEntry) {
	if !entry.scheduled {
		return
	}

	m.cron.Remove(entry.entryID)
	entry.scheduled = false
}

func (m *Manager) runNowUnsafe(entry *taskEntry) {
	m.immediate.Add(1)
	go func() {
		defer m.immediate.Done()
		entry.job.Run()
	}()
}

func (m *Manager) execute(entry *taskEntry) {
	task := entry.task
	start := time.Now()

	value, err := runOperation(task.Operation)
	duration := time.Since(start)

	m.mu.Lock()
	entry.lastRun = start
	if err != nil {
		err = &types.TaskExecutionError{TaskID: task.ID, At: start, Err: err}
		entry.lastError = err
		entry.errorCount++
	} else {
		entry.lastError = nil
		entry.successCount++
	}
	m.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
	}

	m.metrics.Counter("sync_task_executions_total", map[string]string{
		"task_id": task.ID,
		"result":  result,
	}).Inc()
	m.metrics.Histogram("sync_task_duration_seconds",
		[]float64{0.01, 0.1, 0.5, 1, 5, 30},
		map[string]string{"task_id": task.ID},
	).Observe(duration.Seconds())

	if err != nil {
		m.logger.ErrorWithErrStack("Sync task failed", err,
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))

		if task.OnError != nil {
			m.safeCallback(task.ID, func() { task.OnError(err) })
		}
		return
	}

	if task.CacheKey != "" && m.cache != nil {
		if setErr := m.cache.Set(task.CacheKey, value, task.CacheTTL); setErr != nil {
			m.logger.Warn("Failed to store sync task result",
				zap.String("task_id", task.ID),
				zap.String("cache_key", task.CacheKey),
				zap.Error(setErr))
		}
	}

	m.logger.Debug("Sync task completed",
		zap.String("task_id", task.ID),
		zap.Duration("duration", duration))

	if task.OnSuccess != nil {
		m.safeCallback(task.ID, func() { task.OnSuccess(value) })
	}
}

func (m *Manager) safeCallback(taskID string, callback func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Sync task callback panicked",
				zap.String("task_id", taskID),
				zap.Any("panic", r))
		}
	}()

	callback()
}

func (e *taskEntry) statusUnsafe() types.SyncTaskStatus {
	return types.SyncTaskStatus{
		ID:           e.task.ID,
		IsRunning:    e.scheduled,
		LastRun:      e.lastRun,
		LastError:    e.lastError,
		SuccessCount: e.successCount,
		ErrorCount:   e.errorCount,
	}
}

func runOperation(op func() (interface{}, error)) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = types.Errorf(types.ErrOperationPanicked, "%v", r)
		}
	}()

	return op()
}
