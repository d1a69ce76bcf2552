// Package checkpoint adapts the external durable key-value store consumed by
// the consensus engine. A decision is never reported final until its record
// has been written here.
package checkpoint

import (
	"fmt"
	"sync"

	"github.com/justSteve/claude-flow/core"
)

// Store is the adapter contract. Put must be atomic: a crash mid-write must
// never leave a partially-written record visible to Get.
type Store interface {
	Get(groupID string) (core.CheckpointRecord, error)
	Put(groupID string, rec core.CheckpointRecord) error
	Close() error
}

// MemoryStore is an in-process store used in tests and single-process runs.
// FailNext injects transient write failures to exercise commit retry.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]core.CheckpointRecord
	failNext int
	puts     int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]core.CheckpointRecord)}
}

// FailNext makes the next n Put calls fail.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Puts returns how many Put calls were attempted, including failed ones.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *MemoryStore) Get(groupID string) (core.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[groupID]
	if !ok {
		return core.CheckpointRecord{}, fmt.Errorf("checkpoint for group %s: %w", groupID, core.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) Put(groupID string, rec core.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("injected failure: %w", core.ErrCheckpointWriteFailed)
	}
	s.records[groupID] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }
