package platforms

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dotsetgreg/mingle/pkg/logger"
)

// Manager owns the enabled platform adapters for one process.
type Manager struct {
	platforms map[string]Platform
	mu        sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{platforms: make(map[string]Platform)}
}

func (m *Manager) Register(p Platform) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.platforms[p.Name()] = p
}

func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.platforms, name)
}

func (m *Manager) Get(name string) (Platform, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.platforms[name]
	return p, ok
}

func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.platforms))
	for name := range m.platforms {
		names = append(names, name)
	}
	return names
}

// StartAll starts every registered platform. On partial failure the
// already-started platforms are stopped again so the process never runs
// half-connected.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	if len(m.platforms) == 0 {
		m.mu.RUnlock()
		logger.WarnC("platforms", "No platforms enabled")
		return nil
	}
	platformsCopy := make(map[string]Platform, len(m.platforms))
	for name, p := range m.platforms {
		platformsCopy[name] = p
	}
	m.mu.RUnlock()

	logger.InfoC("platforms", "Starting all platforms")

	var started []string
	var startErrors []string
	for name, p := range platformsCopy {
		logger.InfoCF("platforms", "Starting platform", map[string]any{"platform": name})
		if err := p.Start(ctx); err != nil {
			logger.ErrorCF("platforms", "Failed to start platform", map[string]any{
				"platform": name,
				"error":    err.Error(),
			})
			startErrors = append(startErrors, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		started = append(started, name)
	}

	if len(startErrors) > 0 {
		for _, name := range started {
			if err := platformsCopy[name].Stop(ctx); err != nil {
				logger.WarnCF("platforms", "Failed to stop partially-started platform", map[string]any{
					"platform": name,
					"error":    err.Error(),
				})
			}
		}
		return fmt.Errorf("failed to start platforms: %s", strings.Join(startErrors, "; "))
	}

	logger.InfoCF("platforms", "All platforms started", map[string]any{
		"count": len(started),
	})
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger.InfoC("platforms", "Stopping all platforms")

	for name, p := range m.platforms {
		logger.InfoCF("platforms", "Stopping platform", map[string]any{"platform": name})
		if err := p.Stop(ctx); err != nil {
			logger.ErrorCF("platforms", "Error stopping platform", map[string]any{
				"platform": name,
				"error":    err.Error(),
			})
		}
	}

	logger.InfoC("platforms", "All platforms stopped")
	return nil
}

func (m *Manager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]any, len(m.platforms))
	for name, p := range m.platforms {
		status[name] = map[string]any{
			"running": p.IsRunning(),
		}
	}
	return status
}
