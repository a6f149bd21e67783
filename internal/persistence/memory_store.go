// Package persistence provides the shipped Store implementations: an
// in-memory map store and a SQLite-backed store with a gob codec at the
// boundary. Both are best-effort collaborators; correctness of scheduling
// never depends on them.
package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/reflow/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. Useful for tests
// and single-process setups that only want debounce/restore semantics.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[string]any
	results map[string]map[string]any
}

var _ api.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]any),
		results: make(map[string]map[string]any),
	}
}

func (s *MemoryStore) SaveState(_ context.Context, flowID string, state any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[flowID] = state
	return nil
}

func (s *MemoryStore) LoadState(_ context.Context, flowID string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[flowID], nil
}

func (s *MemoryStore) SaveResult(_ context.Context, flowID, method string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byMethod := s.results[flowID]
	if byMethod == nil {
		byMethod = make(map[string]any)
		s.results[flowID] = byMethod
	}
	byMethod[method] = result
	return nil
}

func (s *MemoryStore) LoadResult(_ context.Context, flowID, method string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[flowID][method], nil
}

func (s *MemoryStore) Clear(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, flowID)
	delete(s.results, flowID)
	return nil
}
