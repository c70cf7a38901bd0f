// Package discovery implements capability advertisement and semantic agent
// lookup: vector-similarity search over capability embeddings blended with
// trust and cached usefulness.
package discovery

import (
	"context"
	"errors"
	"time"
)

// EmbeddingDim is the fixed embedding dimension (OpenAI
// text-embedding-3-small). Registration and search must agree on it.
const EmbeddingDim = 1536

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrBadEmbedding  = errors.New("embedding has wrong dimension")
)

// Agent is a registered participant.
type Agent struct {
	DID        string     `json:"did"`
	PublicKey  []byte     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt time.Time  `json:"last_seen_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the agent's TTL has elapsed. Agents without a TTL
// never expire.
func (a *Agent) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Capability is a declared skill. (AgentDID, Description) is unique.
type Capability struct {
	AgentDID     string    `json:"agent_did"`
	Description  string    `json:"description"`
	Embedding    []float32 `json:"-"`
	Tags         []string  `json:"tags,omitempty"`
	Version      string    `json:"version,omitempty"`
	EvidenceRef  string    `json:"evidence_ref,omitempty"`
	MaxLatencyMS int64     `json:"max_latency_ms,omitempty"`
	MaxCost      float64   `json:"max_cost,omitempty"`
}

// TrustVector holds the per-agent trust dimensions, each in [0,1].
type TrustVector struct {
	AgentDID    string    `json:"agent_did"`
	Aggregate   float64   `json:"aggregate"`
	Reliability float64   `json:"reliability"`
	Honesty     float64   `json:"honesty"`
	Competence  float64   `json:"competence"`
	Timeliness  float64   `json:"timeliness"`
	DecayRate   float64   `json:"decay_rate"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultTrust is the seed vector for newly registered agents.
func DefaultTrust(did string, now time.Time) *TrustVector {
	return &TrustVector{
		AgentDID:    did,
		Aggregate:   0.5,
		Reliability: 0.5,
		Honesty:     0.5,
		Competence:  0.5,
		Timeliness:  0.5,
		DecayRate:   0.01,
		UpdatedAt:   now,
	}
}

// Recompute derives the aggregate as the equal-weighted mean of the
// dimensions, clamped to [0,1].
func (t *TrustVector) Recompute() {
	t.Aggregate = clamp01((t.Reliability + t.Honesty + t.Competence + t.Timeliness) / 4)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Registration is the transactional input to Register.
type Registration struct {
	AgentDID     string
	PublicKey    []byte
	Capabilities []*Capability
	TrustSeed    *TrustVector
	TTL          time.Duration
}

// Query is a discovery search request.
type Query struct {
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	MinTrust     float64  `json:"min_trust,omitempty"`
	MaxLatencyMS int64    `json:"max_latency_ms,omitempty"`
	MaxCost      float64  `json:"max_cost,omitempty"`
	Limit        int      `json:"limit,omitempty"`
}

// Match is one ranked search result.
type Match struct {
	AgentDID    string    `json:"agent_did"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	Version     string    `json:"version,omitempty"`
	Similarity  float64   `json:"similarity"`
	Trust       float64   `json:"trust"`
	Usefulness  float64   `json:"usefulness"`
	Score       float64   `json:"score"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Candidate is a raw vector-search hit before dedupe and blending.
type Candidate struct {
	Capability *Capability
	Agent      *Agent
	Trust      float64
	Usefulness float64
	Distance   float64
}

// RankedAgent is the committee-selection view: active agents ordered by
// trust, then usefulness, then DID.
type RankedAgent struct {
	DID        string
	Trust      float64
	Usefulness float64
}

// Store is the discovery persistence contract.
type Store interface {
	// Register upserts the agent, replaces its capabilities, and seeds the
	// trust vector, in one transaction. Idempotent per agent.
	Register(ctx context.Context, reg *Registration) error
	GetAgent(ctx context.Context, did string) (*Agent, error)
	Touch(ctx context.Context, did string, at time.Time) error

	// Nearest returns up to limit capability candidates ordered by cosine
	// distance to the query embedding, excluding expired agents.
	Nearest(ctx context.Context, embedding []float32, limit int) ([]*Candidate, error)
	// ByTags returns candidates whose capability tags cover all query tags
	// (the embedding-less fallback path).
	ByTags(ctx context.Context, tags []string, limit int) ([]*Candidate, error)

	Trust(ctx context.Context, did string) (*TrustVector, error)
	UpdateTrust(ctx context.Context, tv *TrustVector) error
	// UpdateUsefulness writes the cached rolling usefulness score [0,100].
	UpdateUsefulness(ctx context.Context, did string, score float64, at time.Time) error
	Usefulness(ctx context.Context, did string) (float64, error)

	// RankedAgents lists non-expired agents for committee selection.
	RankedAgents(ctx context.Context, limit int) ([]*RankedAgent, error)
	// ActiveSince lists DIDs of agents seen since the cutoff (aggregator input).
	ActiveSince(ctx context.Context, cutoff time.Time) ([]string, error)

	Ping(ctx context.Context) error
}
