// Package usefulness validates, scores, and aggregates proof-of-usefulness
// submissions into the per-agent rolling score the discovery ranker reads.
package usefulness

import (
	"context"
	"errors"
	"time"
)

// WorkType classifies the productive work a proof claims.
type WorkType string

const (
	WorkCompute    WorkType = "compute"
	WorkMemory     WorkType = "memory"
	WorkRouting    WorkType = "routing"
	WorkValidation WorkType = "validation"
	WorkLearning   WorkType = "learning"
)

var workTypes = map[WorkType]struct{}{
	WorkCompute: {}, WorkMemory: {}, WorkRouting: {}, WorkValidation: {}, WorkLearning: {},
}

// Valid reports whether the work type is in the allowed set.
func (w WorkType) Valid() bool {
	_, ok := workTypes[w]
	return ok
}

var (
	ErrNotFound       = errors.New("usefulness proof not found")
	ErrBadWorkType    = errors.New("work_type not in allowed set")
	ErrNoMetrics      = errors.New("proof carries no positive metric")
	ErrStaleTimestamp = errors.New("proof timestamp outside freshness window")
)

// Proof is one attested record of productive work. Score is assigned at
// submission and never recomputed.
type Proof struct {
	ID           string             `json:"id"`
	AgentDID     string             `json:"agent_did"`
	WorkType     WorkType           `json:"work_type"`
	Metrics      map[string]float64 `json:"metrics"`
	Attestations []string           `json:"attestations,omitempty"`
	TraceID      string             `json:"trace_id,omitempty"`
	Score        float64            `json:"score"`
	Timestamp    time.Time          `json:"timestamp"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Store persists proofs and answers the aggregator's rolling-window reads.
type Store interface {
	Insert(ctx context.Context, p *Proof) error
	Get(ctx context.Context, id string) (*Proof, error)
	// ActiveAgents lists agents with at least one proof at or after since.
	ActiveAgents(ctx context.Context, since time.Time) ([]string, error)
	// ListByAgent returns the agent's proofs at or after since, newest first.
	ListByAgent(ctx context.Context, agentDID string, since time.Time, limit int) ([]*Proof, error)
	Ping(ctx context.Context) error
}
