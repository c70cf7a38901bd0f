package reputation

import (
	"context"
	"sync"
)

// MemoryStore is the in-process Store for tests and embedded profiles.
type MemoryStore struct {
	mu      sync.Mutex
	vectors map[string]*Vector
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vectors: make(map[string]*Vector)}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Get(_ context.Context, did string) (*Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vectors[did]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *v
	return &dup, nil
}

func (s *MemoryStore) Upsert(_ context.Context, v *Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *v
	s.vectors[v.AgentDID] = &dup
	return nil
}
