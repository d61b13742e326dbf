package types

import (
	"time"
)

// SyncTask is a periodically refreshed remote read.
type SyncTask struct {
	ID        string
	Operation func() (interface{}, error)
	Interval  time.Duration
	CacheKey  string
	CacheTTL  time.Duration
	OnSuccess func(value interface{})
	OnError   func(err error)
}

type SyncTaskStatus struct {
	ID           string    `json:"id"`
	IsRunning    bool      `json:"is_running"`
	LastRun      time.Time `json:"last_run"`
	LastError    error     `json:"-"`
	SuccessCount int64     `json:"success_count"`
	ErrorCount   int64     `json:"error_count"`
}

func (s SyncTaskStatus) LastErrorMessage() string {
	if s.LastError == nil {
		return ""
	}
	return s.LastError.Error()
}
