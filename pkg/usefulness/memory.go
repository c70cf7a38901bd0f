package usefulness

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process proof store for tests.
type MemoryStore struct {
	mu     sync.Mutex
	proofs []*Proof
	byID   map[string]*Proof
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Proof)}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Insert(_ context.Context, p *Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *p
	s.proofs = append(s.proofs, &dup)
	s.byID[p.ID] = &dup
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *p
	return &dup, nil
}

func (s *MemoryStore) ActiveAgents(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, p := range s.proofs {
		if p.Timestamp.Before(since) {
			continue
		}
		if _, ok := seen[p.AgentDID]; ok {
			continue
		}
		seen[p.AgentDID] = struct{}{}
		out = append(out, p.AgentDID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, agentDID string, since time.Time, limit int) ([]*Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Proof
	for _, p := range s.proofs {
		if p.AgentDID != agentDID || p.Timestamp.Before(since) {
			continue
		}
		dup := *p
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
