// Package memory stores per-agent conversational memory with vector
// search scoped to the owning agent.
package memory

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("memory entry not found")
	ErrEmptyContent = errors.New("memory content is empty")
)

// Entry is one remembered item. The embedding dimension follows the
// discovery embedder.
type Entry struct {
	ID             string    `json:"id"`
	AgentDID       string    `json:"agent_did"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	Summary        string    `json:"summary,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Hit is one search result with its cosine distance to the query.
type Hit struct {
	Entry    *Entry  `json:"entry"`
	Distance float64 `json:"distance"`
}

// Store is the memory persistence contract.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	// Nearest returns the owner's entries closest to the query embedding,
	// ascending by distance.
	Nearest(ctx context.Context, ownerDID string, embedding []float32, limit int) ([]*Hit, error)
	Ping(ctx context.Context) error
}
