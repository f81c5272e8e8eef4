// Package mutestore provides persistence for the operator alert mute set.
// The monitor works with any implementation of its MuteStore interface; this
// package ships an in-memory store for single-instance deployments and tests,
// and a Redis-backed store that survives restarts.
package mutestore

import (
	"context"
	"sync"
)

// Memory is a process-local mute store. Mutes are lost on restart.
type Memory struct {
	mu  sync.Mutex
	ids map[string]bool
}

// NewMemory creates an empty in-memory mute store.
func NewMemory() *Memory {
	return &Memory{ids: make(map[string]bool)}
}

// Mute records an alert id as muted.
func (m *Memory) Mute(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[alertID] = true
	return nil
}

// Unmute removes an alert id from the mute set.
func (m *Memory) Unmute(_ context.Context, alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ids, alertID)
	return nil
}

// Muted returns all muted alert ids.
func (m *Memory) Muted(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	return out, nil
}
