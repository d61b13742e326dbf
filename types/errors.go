package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
)

var (
	ErrCacheKeyEmpty     = errors.New("cache key empty")
	ErrCacheDestroyed    = errors.New("cache destroyed")
	ErrCacheTypeMismatch = errors.New("cache value type mismatch")
)

var (
	ErrBatchManagerStopped = errors.New("batch manager stopped")
	ErrBatchCleared        = errors.New("batch cleared before execution")
	ErrBatchKeyEmpty       = errors.New("batch key empty")
	ErrOperationIsNil      = errors.New("operation is nil")
	ErrOperationPanicked   = errors.New("operation panicked")
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrTimeout     = errors.New("operation timed out")
)

var (
	ErrSyncTaskExists       = errors.New("sync task exists")
	ErrSyncTaskNotFound     = errors.New("sync task not found")
	ErrSyncTaskInvalid      = errors.New("sync task invalid")
	ErrSyncManagerDestroyed = errors.New("sync manager destroyed")
	ErrSyncStopTimeout      = errors.New("sync manager stop timeout")
)

var (
	ErrUpstreamURLEmpty = errors.New("upstream url empty")
	ErrUpstreamStatus   = errors.New("upstream returned unexpected status")
	ErrUpstreamClosed   = errors.New("upstream client closed")
)

var (
	ErrMetricsConfigInvalid = errors.New("metrics config invalid")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

// TimeoutError is returned when an operation loses the race against its deadline.
type TimeoutError struct {
	Message string
	Timeout time.Duration
}

func NewTimeoutError(message string, timeout time.Duration) *TimeoutError {
	if message == "" {
		message = fmt.Sprintf("operation timed out after %s", timeout)
	}
	return &TimeoutError{Message: message, Timeout: timeout}
}

func (e *TimeoutError) Error() string {
	return e.Message
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// TaskExecutionError records a failed background task run. It never leaves the scheduler.
type TaskExecutionError struct {
	TaskID string
	At     time.Time
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("sync task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
