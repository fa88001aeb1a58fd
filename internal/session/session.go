// Package session tracks the supervisors currently running under this
// process, for the daemon's status and control surface. Durable session
// history lives in the store; this registry only knows what is live now.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Info describes one live session.
type Info struct {
	SessionID string    `json:"session_id"`
	Tool      string    `json:"tool"`
	Label     string    `json:"label,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	info   Info
	cancel context.CancelFunc
}

// Manager is a concurrency-safe registry of live sessions.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// Add registers a live session with the cancel func that stops it.
func (m *Manager) Add(info Info, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[info.SessionID] = &entry{info: info, cancel: cancel}
}

// Remove drops a session after its supervisor returns.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}

// Get returns one live session.
func (m *Manager) Get(sessionID string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return Info{}, false
	}
	return e.info, true
}

// List returns all live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stop cancels one session's supervisor.
func (m *Manager) Stop(sessionID string) error {
	m.mu.RLock()
	e, ok := m.entries[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no live session %s", sessionID)
	}
	e.cancel()
	return nil
}

// StopAll cancels every live session, used during daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(m.entries))
	for _, e := range m.entries {
		cancels = append(cancels, e.cancel)
	}
	m.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
}
