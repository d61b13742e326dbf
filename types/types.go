package types

// LifecycleManager is implemented by every long-lived component the service
// starts in order and stops in reverse.
type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}
