package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/ainp-labs/broker/pkg/discovery"
)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS agent_memories (
	id              TEXT PRIMARY KEY,
	agent_did       TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	embedding       vector(1536),
	summary         TEXT NOT NULL DEFAULT '',
	tags            TEXT[] NOT NULL DEFAULT '{}',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS agent_memories_owner
	ON agent_memories (agent_did, created_at DESC);
CREATE INDEX IF NOT EXISTS agent_memories_embedding
	ON agent_memories USING hnsw (embedding vector_cosine_ops);
`

// PostgresStore implements Store on Postgres with pgvector, sharing the
// discovery layer's vector conventions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("memory: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_memories (id, agent_did, conversation_id, content, embedding, summary, tags, created_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8)`,
		e.ID, e.AgentDID, e.ConversationID, e.Content, vectorLiteral(e.Embedding),
		e.Summary, pq.Array(e.Tags), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("memory: insert entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_did, conversation_id, content, summary, tags, created_at
		FROM agent_memories WHERE id = $1`, id)

	e := &Entry{}
	err := row.Scan(&e.ID, &e.AgentDID, &e.ConversationID, &e.Content, &e.Summary,
		pq.Array(&e.Tags), &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get entry %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) Nearest(ctx context.Context, ownerDID string, embedding []float32, limit int) ([]*Hit, error) {
	if len(embedding) != discovery.EmbeddingDim {
		return nil, discovery.ErrBadEmbedding
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_did, conversation_id, content, summary, tags, created_at,
			embedding <=> $2::vector AS distance
		FROM agent_memories
		WHERE agent_did = $1
		ORDER BY embedding <=> $2::vector
		LIMIT $3`,
		ownerDID, vectorLiteral(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("memory: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Hit
	for rows.Next() {
		e := &Entry{}
		var distance float64
		err := rows.Scan(&e.ID, &e.AgentDID, &e.ConversationID, &e.Content, &e.Summary,
			pq.Array(&e.Tags), &e.CreatedAt, &distance)
		if err != nil {
			return nil, fmt.Errorf("memory: scan hit: %w", err)
		}
		out = append(out, &Hit{Entry: e, Distance: distance})
	}
	return out, rows.Err()
}

// vectorLiteral renders a pgvector input literal: "[0.1,0.2,...]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 10)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}
