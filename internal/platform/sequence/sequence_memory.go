// --- File: internal/platform/sequence/sequence_memory.go ---
// Package sequence contains the per-user sequence allocators stamped onto
// notifications and sync events at ingest.
package sequence

import (
	"context"
	"sync"
)

// MemorySequencer allocates monotonic sequences in process. Counters reset
// on restart, so it is only suitable for development and tests.
type MemorySequencer struct {
	mu       sync.Mutex
	counters map[string]uint64
}

// NewMemorySequencer is the constructor for the in-memory sequencer.
func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{counters: make(map[string]uint64)}
}

// Next returns the next sequence for userID, starting at 1.
func (s *MemorySequencer) Next(_ context.Context, userID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[userID]++
	return s.counters[userID], nil
}
