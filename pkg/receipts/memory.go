package receipts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store for tests.
type MemoryStore struct {
	mu           sync.Mutex
	receipts     map[string]*Receipt
	attestations map[string][]*Attestation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:     make(map[string]*Receipt),
		attestations: make(map[string][]*Attestation),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateReceipt(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *r
	dup.Committee = append([]string(nil), r.Committee...)
	s.receipts[r.ID] = &dup
	return nil
}

func (s *MemoryStore) GetReceipt(_ context.Context, id string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *r
	dup.Committee = append([]string(nil), r.Committee...)
	return &dup, nil
}

func (s *MemoryStore) GetByPaymentRef(_ context.Context, ref string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref == "" {
		return nil, ErrNotFound
	}
	for _, r := range s.receipts {
		if r.PaymentRef == ref {
			dup := *r
			dup.Committee = append([]string(nil), r.Committee...)
			return &dup, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, from, to Status, finalizedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrNotPending
	}
	r.Status = to
	if finalizedAt != nil {
		at := *finalizedAt
		r.FinalizedAt = &at
	}
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Receipt
	for _, r := range s.receipts {
		if r.Status == status {
			dup := *r
			dup.Committee = append([]string(nil), r.Committee...)
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddAttestation(_ context.Context, a *Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.attestations[a.TaskID] {
		if existing.Attestor == a.Attestor && existing.Type == a.Type {
			return ErrDuplicateAttestation
		}
	}
	dup := *a
	s.attestations[a.TaskID] = append(s.attestations[a.TaskID], &dup)
	return nil
}

func (s *MemoryStore) Attestations(_ context.Context, taskID string) ([]*Attestation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Attestation, 0, len(s.attestations[taskID]))
	for _, a := range s.attestations[taskID] {
		dup := *a
		out = append(out, &dup)
	}
	return out, nil
}
