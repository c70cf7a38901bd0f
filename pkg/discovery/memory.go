package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store: brute-force cosine scan instead of
// HNSW, exact rather than approximate, which tests rely on for stable
// ordering.
type MemoryStore struct {
	mu           sync.Mutex
	agents       map[string]*Agent
	capabilities map[string][]*Capability
	trust        map[string]*TrustVector
	usefulness   map[string]float64
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*Agent),
		capabilities: make(map[string][]*Capability),
		trust:        make(map[string]*TrustVector),
		usefulness:   make(map[string]float64),
		now:          time.Now,
	}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Register(_ context.Context, reg *Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	agent, ok := s.agents[reg.AgentDID]
	if !ok {
		agent = &Agent{DID: reg.AgentDID, CreatedAt: now}
		s.agents[reg.AgentDID] = agent
	}
	agent.PublicKey = reg.PublicKey
	agent.LastSeenAt = now
	agent.ExpiresAt = nil
	if reg.TTL > 0 {
		exp := now.Add(reg.TTL)
		agent.ExpiresAt = &exp
	}

	caps := make([]*Capability, 0, len(reg.Capabilities))
	seen := make(map[string]bool)
	for _, cap := range reg.Capabilities {
		if len(cap.Embedding) != EmbeddingDim {
			return ErrBadEmbedding
		}
		if seen[cap.Description] {
			continue
		}
		seen[cap.Description] = true
		dup := *cap
		dup.AgentDID = reg.AgentDID
		caps = append(caps, &dup)
	}
	s.capabilities[reg.AgentDID] = caps

	if _, ok := s.trust[reg.AgentDID]; !ok {
		seedSrc := reg.TrustSeed
		if seedSrc == nil {
			seedSrc = DefaultTrust(reg.AgentDID, now)
		}
		seed := *seedSrc
		seed.AgentDID = reg.AgentDID
		s.trust[reg.AgentDID] = &seed
	}
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, did string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[did]
	if !ok {
		return nil, ErrAgentNotFound
	}
	dup := *a
	return &dup, nil
}

func (s *MemoryStore) Touch(_ context.Context, did string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[did]; ok {
		a.LastSeenAt = at
	}
	return nil
}

func (s *MemoryStore) Nearest(_ context.Context, embedding []float32, limit int) ([]*Candidate, error) {
	if len(embedding) != EmbeddingDim {
		return nil, ErrBadEmbedding
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Candidate
	now := s.now()
	for did, caps := range s.capabilities {
		agent := s.agents[did]
		if agent == nil || agent.Expired(now) {
			continue
		}
		for _, cap := range caps {
			out = append(out, s.candidateLocked(agent, cap, CosineDistance(embedding, cap.Embedding)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ByTags(_ context.Context, tags []string, limit int) ([]*Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Candidate
	now := s.now()
	for did, caps := range s.capabilities {
		agent := s.agents[did]
		if agent == nil || agent.Expired(now) {
			continue
		}
		for _, cap := range caps {
			if containsAll(cap.Tags, tags) {
				out = append(out, s.candidateLocked(agent, cap, 1))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trust != out[j].Trust {
			return out[i].Trust > out[j].Trust
		}
		return out[i].Agent.LastSeenAt.After(out[j].Agent.LastSeenAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) candidateLocked(agent *Agent, cap *Capability, distance float64) *Candidate {
	trust := 0.5
	if tv, ok := s.trust[agent.DID]; ok {
		trust = tv.Aggregate
	}
	agentCopy := *agent
	capCopy := *cap
	return &Candidate{
		Capability: &capCopy,
		Agent:      &agentCopy,
		Trust:      trust,
		Usefulness: s.usefulness[agent.DID],
		Distance:   distance,
	}
}

func (s *MemoryStore) Trust(_ context.Context, did string) (*TrustVector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tv, ok := s.trust[did]
	if !ok {
		return nil, ErrAgentNotFound
	}
	dup := *tv
	return &dup, nil
}

func (s *MemoryStore) UpdateTrust(_ context.Context, tv *TrustVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *tv
	s.trust[tv.AgentDID] = &dup
	return nil
}

func (s *MemoryStore) UpdateUsefulness(_ context.Context, did string, score float64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usefulness[did] = score
	return nil
}

func (s *MemoryStore) Usefulness(_ context.Context, did string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[did]; !ok {
		return 0, ErrAgentNotFound
	}
	return s.usefulness[did], nil
}

func (s *MemoryStore) RankedAgents(_ context.Context, limit int) ([]*RankedAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*RankedAgent
	now := s.now()
	for did, agent := range s.agents {
		if agent.Expired(now) {
			continue
		}
		trust := 0.5
		if tv, ok := s.trust[did]; ok {
			trust = tv.Aggregate
		}
		out = append(out, &RankedAgent{DID: did, Trust: trust, Usefulness: s.usefulness[did]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Trust != out[j].Trust {
			return out[i].Trust > out[j].Trust
		}
		if out[i].Usefulness != out[j].Usefulness {
			return out[i].Usefulness > out[j].Usefulness
		}
		return out[i].DID < out[j].DID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveSince(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for did, agent := range s.agents {
		if !agent.LastSeenAt.Before(cutoff) {
			out = append(out, did)
		}
	}
	sort.Strings(out)
	return out, nil
}

func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
