// Package health implements the aggregate health check the runtime host
// exposes on /healthz and /readyz: each component that can fail
// independently (database, exchange, lease holder) registers a check, and
// the host asks the manager rather than probing components itself.
package health

import (
	"sync"

	"github.com/posedge/engine/internal/core"
)

// Manager implements core.IHealthMonitor.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// New builds a Manager. Pass a nil logger to run without logging.
func New(logger core.ILogger) *Manager {
	if logger == nil {
		return &Manager{checks: make(map[string]func() error)}
	}
	return &Manager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func() error),
	}
}

// Register adds or replaces the health check for component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every registered check and returns a human-readable
// status string per component.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check currently passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

var _ core.IHealthMonitor = (*Manager)(nil)
