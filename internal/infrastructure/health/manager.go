// Package health aggregates liveness checks from system components and
// serves them over HTTP alongside the metrics endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Manager runs registered component checks on demand.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds a named component check. Registering the same name
// again replaces the previous check.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// GetStatus runs every check and reports per-component status text.
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

// IsHealthy reports whether every registered check passes. A manager
// with no checks is healthy.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("Health check failed", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}

// Handler serves the aggregated status as JSON. Returns 503 when any
// component is unhealthy so probes can act on it.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.GetStatus()
		healthy := true
		for _, s := range status {
			if s != "healthy" {
				healthy = false
				break
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"healthy":    healthy,
			"components": status,
		})
	})
}
