// --- File: internal/platform/persistence/store_memory.go ---
// Package persistence contains the snapshot stores backing reconnect
// convergence.
package persistence

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-delivery-service/pkg/delivery"
)

// MemoryStateStore keeps the latest per-user state in process. Local
// development and tests run on this store.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]delivery.State
}

// NewMemoryStateStore is the constructor for the in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]delivery.State)}
}

// GetLatestState returns the newest saved state for userID, or
// delivery.ErrNoSnapshot when none has been saved yet.
func (s *MemoryStateStore) GetLatestState(_ context.Context, userID string) (*delivery.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[userID]
	if !ok {
		return nil, delivery.ErrNoSnapshot
	}
	return &state, nil
}

// SaveState records state as the user's latest if it is not older than what
// is already held. Out-of-order saves lose.
func (s *MemoryStateStore) SaveState(_ context.Context, state *delivery.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.states[state.UserID]; ok && current.Sequence > state.Sequence {
		return nil
	}
	s.states[state.UserID] = *state
	return nil
}
