package store

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/flowengine/types"
)

// MemoryStore 内存存储，用于测试和单机部署。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*types.WorkflowState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*types.WorkflowState)}
}

func (s *MemoryStore) Save(_ context.Context, state *types.WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.ID] = state.Clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*types.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*types.WorkflowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.WorkflowState, 0, len(s.runs))
	for _, state := range s.runs {
		out = append(out, state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrNotFound
	}
	delete(s.runs, id)
	return nil
}
