package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ainp-labs/broker/pkg/discovery"
)

// MemStore is the in-process Store for tests.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*Entry)}
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *e
	s.entries[e.ID] = &dup
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *e
	return &dup, nil
}

func (s *MemStore) Nearest(_ context.Context, ownerDID string, embedding []float32, limit int) ([]*Hit, error) {
	if len(embedding) != discovery.EmbeddingDim {
		return nil, discovery.ErrBadEmbedding
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Hit
	for _, e := range s.entries {
		if e.AgentDID != ownerDID {
			continue
		}
		dup := *e
		out = append(out, &Hit{Entry: &dup, Distance: discovery.CosineDistance(embedding, e.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
