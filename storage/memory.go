package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-memory Storage implementation for single-process use
// and tests. State does not survive a restart.
type Memory struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]*State)}
}

// Save persists a deep copy of the state under optimistic versioning.
func (m *Memory) Save(ctx context.Context, state *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.states[state.ID]
	if state.Version == 0 {
		if exists {
			return ErrVersionConflict
		}
	} else if !exists || current.Version != state.Version {
		return ErrVersionConflict
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	m.states[state.ID] = state.Clone()
	return nil
}

// Load returns a copy of the stored state, or (nil, nil) if absent.
func (m *Memory) Load(ctx context.Context, instanceID string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[instanceID]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

// FindPending returns sleeping instances due to wake and running instances.
func (m *Memory) FindPending(ctx context.Context, now time.Time) ([]*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*State
	for _, state := range m.states {
		switch state.Status {
		case StatusSleeping:
			if state.WakeUpAt != nil && !state.WakeUpAt.After(now) {
				pending = append(pending, state.Clone())
			}
		case StatusRunning:
			pending = append(pending, state.Clone())
		}
	}
	return pending, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
