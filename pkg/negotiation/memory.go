package negotiation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store for tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *MemoryStore) Update(_ context.Context, sess *Session, fromState State, fromUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != fromState || !cur.UpdatedAt.Equal(fromUpdatedAt) {
		return ErrConflict
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *MemoryStore) List(_ context.Context, agentDID string, state State, limit int) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if agentDID != "" && !sess.Participant(agentDID) {
			continue
		}
		if state != "" && sess.State != state {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if !sess.State.Terminal() && sess.Overdue(now) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneSession(s *Session) *Session {
	dup := *s
	dup.Rounds = append([]Round(nil), s.Rounds...)
	dup.CurrentProposal = cloneProposal(s.CurrentProposal)
	dup.FinalProposal = cloneProposal(s.FinalProposal)
	return &dup
}

func cloneProposal(p map[string]interface{}) map[string]interface{} {
	if p == nil {
		return nil
	}
	dup := make(map[string]interface{}, len(p))
	for k, v := range p {
		dup[k] = v
	}
	return dup
}
