// Package health aggregates component health checks and the unified event
// log behind the status surface.
package health

import (
	"sync"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// Manager aggregates health checks registered by components. Checks are
// evaluated on read, so the status surface always reflects the moment it
// is asked.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewManager creates a health manager. logger may be nil in tests.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the health check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus evaluates every check and returns component -> "ok" or the
// error text.
func (m *Manager) GetStatus() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "error: " + err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Debug("Health check failing", "check", component, "error", err.Error())
			}
			return false
		}
	}
	return true
}
