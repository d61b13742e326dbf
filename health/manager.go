package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-rpccache/logger"
	"github.com/saiset-co/sai-rpccache/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

const DefaultCheckTimeout = 5 * time.Second

type Manager struct {
	serviceName  string
	logger       types.Logger
	checkers     map[string]types.HealthChecker
	startTime    time.Time
	mu           sync.RWMutex
	state        atomic.Value
	checkTimeout time.Duration
}

func NewManager(serviceName string, config *types.HealthConfig, log types.Logger) *Manager {
	checkTimeout := DefaultCheckTimeout
	if config != nil && config.CheckTimeout > 0 {
		checkTimeout = config.CheckTimeout
	}

	manager := &Manager{
		serviceName:  serviceName,
		logger:       logger.OrNop(log).With(zap.String("component", "health")),
		checkers:     make(map[string]types.HealthChecker),
		startTime:    time.Now(),
		checkTimeout: checkTimeout,
	}

	manager.state.Store(StateStopped)

	return manager
}

// RegisterChecker adds or replaces the checker stored under name.
func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	if checker == nil {
		return
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

func (hm *Manager) CheckerNames() []string {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checkers))
	for name := range hm.checkers {
		names = append(names, name)
	}
	hm.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Check runs every checker concurrently under the check timeout.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	startTime := hm.startTime
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	var (
		g         errgroup.Group
		resultsMu sync.Mutex
		results   = make(map[string]types.HealthCheck, len(checkers))
	)

	for name, checker := range checkers {
		name, checker := name, checker
		g.Go(func() error {
			result := hm.executeCheck(checkCtx, name, checker)

			resultsMu.Lock()
			results[name] = result
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := hm.buildReport(results, startTime)
	if report.Status != types.StatusHealthy {
		hm.logger.Warn("Health check reported problems",
			zap.String("status", string(report.Status)),
			zap.Int("unhealthy", report.Summary.Unhealthy),
			zap.Int("unknown", report.Summary.Unknown))
	}

	return report
}

func (hm *Manager) Start() error {
	if !hm.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	hm.mu.Lock()
	hm.startTime = time.Now()
	hm.mu.Unlock()

	hm.logger.Debug("Health manager started", zap.Duration("check_timeout", hm.checkTimeout))

	return nil
}

func (hm *Manager) Stop() error {
	if !hm.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	hm.logger.Debug("Health manager stopped")

	return nil
}

func (hm *Manager) IsRunning() bool {
	return hm.state.Load().(State) == StateRunning
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()

	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: fmt.Sprintf("Health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-resultChan:
	case <-ctx.Done():
		result = types.HealthCheck{
			Status:  types.StatusUnhealthy,
			Message: "Health check timeout",
		}
	}

	result.Name = name
	result.LastCheck = time.Now()
	result.Duration = time.Since(start)

	return result
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck, startTime time.Time) types.HealthReport {
	var summary types.HealthSummary
	for _, result := range results {
		summary.Add(result.Status)
	}

	return types.HealthReport{
		Status:    summary.Status(),
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime),
		Service:   hm.serviceName,
		Build:     GetBuildInfo().String(),
		Checks:    results,
		Summary:   summary,
	}
}
