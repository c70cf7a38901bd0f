package payments

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	receipts map[string][]*Receipt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		receipts: make(map[string][]*Receipt),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateRequest(_ context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *r
	s.requests[r.ID] = &dup
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	dup := *r
	return &dup, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, from, to Status, providerRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrAlreadySettled
	}
	r.Status = to
	if providerRef != "" {
		r.ProviderRef = providerRef
	}
	r.UpdatedAt = at
	return nil
}

func (s *MemoryStore) InsertReceipt(_ context.Context, r *Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *r
	s.receipts[r.RequestID] = append(s.receipts[r.RequestID], &dup)
	return nil
}

func (s *MemoryStore) ReceiptsByRequest(_ context.Context, requestID string) ([]*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Receipt, 0, len(s.receipts[requestID]))
	for _, r := range s.receipts[requestID] {
		dup := *r
		out = append(out, &dup)
	}
	return out, nil
}
