package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/moolen/triage/internal/logging"
)

// Manager starts registered components in dependency order and stops them in
// reverse start order, with a shutdown timeout so a wedged component cannot
// hang the process forever.
type Manager struct {
	mu              sync.Mutex
	components      []Component
	dependencies    map[Component][]Component
	started         []Component
	shutdownTimeout time.Duration
	logger          *logging.Logger
}

// NewManager creates a manager with a 30-second shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		shutdownTimeout: 30 * time.Second,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds a component. Dependencies must already be registered; the
// component starts only after all of them.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if component == nil {
		return fmt.Errorf("cannot register nil component")
	}
	if component.Name() == "" {
		return fmt.Errorf("component must have a non-empty name")
	}
	for _, existing := range m.components {
		if existing == component {
			return fmt.Errorf("component %s is already registered", component.Name())
		}
	}
	for _, dep := range dependsOn {
		if !m.isRegistered(dep) {
			return fmt.Errorf("dependency %s of %s is not registered", dep.Name(), component.Name())
		}
	}

	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.logger.Debug("registered component %s (%d dependencies)", component.Name(), len(dependsOn))
	return nil
}

func (m *Manager) isRegistered(c Component) bool {
	for _, existing := range m.components {
		if existing == c {
			return true
		}
	}
	return false
}

// Start starts all components in registration order. Registration order is a
// valid topological order because dependencies must be registered first. On
// failure, everything already started is stopped in reverse order.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, component := range m.components {
		m.logger.Info("starting %s", component.Name())
		if err := component.Start(ctx); err != nil {
			m.logger.Error("failed to start %s: %v", component.Name(), err)
			m.stopStartedLocked()
			return fmt.Errorf("failed to start %s: %w", component.Name(), err)
		}
		m.started = append(m.started, component)
	}
	return nil
}

// Stop stops all started components in reverse start order, bounded by the
// shutdown timeout. All components are attempted even if some fail; the
// first error is returned.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopStartedLocked()
}

func (m *Manager) stopStartedLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		m.logger.Info("stopping %s", component.Name())
		if err := component.Stop(ctx); err != nil {
			m.logger.Error("failed to stop %s: %v", component.Name(), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to stop %s: %w", component.Name(), err)
			}
		}
	}
	m.started = nil
	return firstErr
}
