package directors

import (
	"sync"

	"docrel/src/engine"

	"go.uber.org/zap"
)

type ServiceManager struct {
	Registry     *engine.Registry
	StoreService *StoreService
	logger       *zap.SugaredLogger
}

// Private instance and mutex for thread safety
var (
	instance *ServiceManager
	once     sync.Once
	mu       sync.RWMutex
)

// GetServiceManager returns the singleton instance of ServiceManager
func GetServiceManager() *ServiceManager {
	mu.RLock()
	defer mu.RUnlock()

	if instance == nil {
		// Before initialization callers get an empty manager
		return &ServiceManager{}
	}
	return instance
}

// InitServiceManager initializes the ServiceManager singleton. Later calls return the first manager.
func InitServiceManager(registry *engine.Registry, stores *StoreService, logger *zap.SugaredLogger) *ServiceManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		instance = &ServiceManager{
			Registry:     registry,
			StoreService: stores,
			logger:       logger,
		}
		logger.Info("ServiceManager singleton initialized")
	})

	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// ResetServiceManager is useful for testing - it resets the singleton
func ResetServiceManager() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
	once = sync.Once{}
}

// NewSession starts a unit of work on the managed store, journaling into the managed journal.
func (m *ServiceManager) NewSession() *engine.Session {
	s := m.Registry.NewSession(m.StoreService.Database(), engine.WithJournal(m.StoreService.Journal()))
	m.logger.Debugf("Opened session %s", s.ID())
	return s
}
