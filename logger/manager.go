package logger

import (
	"sync"
	"sync/atomic"

	"github.com/saiset-co/sai-rpccache/types"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
)

// Manager owns the process logger. It is a types.Logger itself and flushes
// buffered entries on Stop.
type Manager struct {
	types.Logger
	state atomic.Value
}

var (
	creatorsMu sync.RWMutex
	creators   = map[string]types.LoggerCreator{}
)

// Register makes a custom logger selectable as logger.type in the config.
func Register(name string, creator types.LoggerCreator) {
	creatorsMu.Lock()
	defer creatorsMu.Unlock()

	creators[name] = creator
}

func NewManager(config *types.LoggerConfig) (*Manager, error) {
	if config == nil {
		return nil, types.ErrLoggerConfigInvalid
	}

	l, err := create(config)
	if err != nil {
		return nil, types.WrapError(err, "failed to create logger")
	}

	manager := &Manager{Logger: l}
	manager.state.Store(StateStopped)

	return manager, nil
}

func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *Manager) Stop() error {
	if !m.state.CompareAndSwap(StateRunning, StateStopped) {
		return types.ErrServerNotRunning
	}

	if syncer, ok := m.Logger.(interface{ Sync() error }); ok {
		_ = syncer.Sync()
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.state.Load().(State) == StateRunning
}

func create(config *types.LoggerConfig) (types.Logger, error) {
	switch config.Type {
	case "", "default":
		return NewDefaultLogger(config)
	case "nop":
		return NewNop(), nil
	}

	creatorsMu.RLock()
	creator, ok := creators[config.Type]
	creatorsMu.RUnlock()

	if !ok {
		return nil, types.Errorf(types.ErrLoggerTypeUnknown, "logger type: %s", config.Type)
	}
	return creator(config.Config)
}
