package discovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS agents (
	did          TEXT PRIMARY KEY,
	public_key   BYTEA,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS capabilities (
	agent_did      TEXT NOT NULL REFERENCES agents(did) ON DELETE CASCADE,
	description    TEXT NOT NULL,
	embedding      vector(1536),
	tags           TEXT[] NOT NULL DEFAULT '{}',
	version        TEXT,
	evidence_ref   TEXT,
	max_latency_ms BIGINT NOT NULL DEFAULT 0,
	max_cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (agent_did, description)
);

CREATE INDEX IF NOT EXISTS capabilities_embedding_hnsw
	ON capabilities USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS capabilities_tags_gin
	ON capabilities USING gin (tags);

CREATE TABLE IF NOT EXISTS trust_vectors (
	agent_did   TEXT PRIMARY KEY REFERENCES agents(did) ON DELETE CASCADE,
	aggregate   DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	reliability DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	honesty     DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	competence  DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	timeliness  DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	decay_rate  DOUBLE PRECISION NOT NULL DEFAULT 0.01,
	usefulness_score_cached DOUBLE PRECISION NOT NULL DEFAULT 0,
	usefulness_updated_at   TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresStore implements Store on Postgres with the pgvector extension:
// HNSW index for nearest-neighbor search, GIN for tag containment.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("discovery: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Register(ctx context.Context, reg *Registration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("discovery: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var expires interface{}
	if reg.TTL > 0 {
		expires = now.Add(reg.TTL)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO agents (did, public_key, created_at, last_seen_at, expires_at)
		VALUES ($1, $2, $3, $3, $4)
		ON CONFLICT (did) DO UPDATE SET public_key = $2, last_seen_at = $3, expires_at = $4`,
		reg.AgentDID, reg.PublicKey, now, expires)
	if err != nil {
		return fmt.Errorf("discovery: upsert agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM capabilities WHERE agent_did = $1`, reg.AgentDID); err != nil {
		return fmt.Errorf("discovery: clear capabilities: %w", err)
	}
	for _, cap := range reg.Capabilities {
		if len(cap.Embedding) != EmbeddingDim {
			return fmt.Errorf("%w: capability %q has %d dims", ErrBadEmbedding, cap.Description, len(cap.Embedding))
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO capabilities (agent_did, description, embedding, tags, version, evidence_ref, max_latency_ms, max_cost)
			VALUES ($1, $2, $3::vector, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
			reg.AgentDID, cap.Description, vectorLiteral(cap.Embedding), pq.Array(cap.Tags),
			cap.Version, cap.EvidenceRef, cap.MaxLatencyMS, cap.MaxCost)
		if err != nil {
			return fmt.Errorf("discovery: insert capability: %w", err)
		}
	}

	seed := reg.TrustSeed
	if seed == nil {
		seed = DefaultTrust(reg.AgentDID, now)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_vectors (agent_did, aggregate, reliability, honesty, competence, timeliness, decay_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_did) DO NOTHING`,
		reg.AgentDID, seed.Aggregate, seed.Reliability, seed.Honesty, seed.Competence, seed.Timeliness, seed.DecayRate, now)
	if err != nil {
		return fmt.Errorf("discovery: seed trust: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("discovery: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, did string) (*Agent, error) {
	var a Agent
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT did, public_key, created_at, last_seen_at, expires_at
		FROM agents WHERE did = $1`, did).
		Scan(&a.DID, &a.PublicKey, &a.CreatedAt, &a.LastSeenAt, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: get agent: %w", err)
	}
	if expires.Valid {
		a.ExpiresAt = &expires.Time
	}
	return &a, nil
}

func (s *PostgresStore) Touch(ctx context.Context, did string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = $2 WHERE did = $1`, did, at)
	if err != nil {
		return fmt.Errorf("discovery: touch agent: %w", err)
	}
	return nil
}

const candidateColumns = `
	c.agent_did, c.description, c.tags, COALESCE(c.version, ''), COALESCE(c.evidence_ref, ''),
	c.max_latency_ms, c.max_cost,
	a.created_at, a.last_seen_at, a.expires_at,
	COALESCE(t.aggregate, 0.5), COALESCE(t.usefulness_score_cached, 0)`

func (s *PostgresStore) Nearest(ctx context.Context, embedding []float32, limit int) ([]*Candidate, error) {
	if len(embedding) != EmbeddingDim {
		return nil, ErrBadEmbedding
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candidateColumns+`, c.embedding <=> $1::vector AS distance
		FROM capabilities c
		JOIN agents a ON a.did = c.agent_did
		LEFT JOIN trust_vectors t ON t.agent_did = c.agent_did
		WHERE a.expires_at IS NULL OR a.expires_at > now()
		ORDER BY c.embedding <=> $1::vector
		LIMIT $2`,
		vectorLiteral(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("discovery: vector search: %w", err)
	}
	return scanCandidates(rows, true)
}

func (s *PostgresStore) ByTags(ctx context.Context, tags []string, limit int) ([]*Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candidateColumns+`
		FROM capabilities c
		JOIN agents a ON a.did = c.agent_did
		LEFT JOIN trust_vectors t ON t.agent_did = c.agent_did
		WHERE c.tags @> $1
		  AND (a.expires_at IS NULL OR a.expires_at > now())
		ORDER BY COALESCE(t.aggregate, 0.5) DESC, a.last_seen_at DESC
		LIMIT $2`,
		pq.Array(tags), limit)
	if err != nil {
		return nil, fmt.Errorf("discovery: tag search: %w", err)
	}
	return scanCandidates(rows, false)
}

func scanCandidates(rows *sql.Rows, withDistance bool) ([]*Candidate, error) {
	defer func() { _ = rows.Close() }()
	var out []*Candidate
	for rows.Next() {
		cand := &Candidate{Capability: &Capability{}, Agent: &Agent{}}
		var tags pq.StringArray
		var expires sql.NullTime
		dest := []interface{}{
			&cand.Capability.AgentDID, &cand.Capability.Description, &tags,
			&cand.Capability.Version, &cand.Capability.EvidenceRef,
			&cand.Capability.MaxLatencyMS, &cand.Capability.MaxCost,
			&cand.Agent.CreatedAt, &cand.Agent.LastSeenAt, &expires,
			&cand.Trust, &cand.Usefulness,
		}
		if withDistance {
			dest = append(dest, &cand.Distance)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("discovery: scan candidate: %w", err)
		}
		cand.Capability.Tags = tags
		cand.Agent.DID = cand.Capability.AgentDID
		if expires.Valid {
			cand.Agent.ExpiresAt = &expires.Time
		}
		out = append(out, cand)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Trust(ctx context.Context, did string) (*TrustVector, error) {
	var tv TrustVector
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_did, aggregate, reliability, honesty, competence, timeliness, decay_rate, updated_at
		FROM trust_vectors WHERE agent_did = $1`, did).
		Scan(&tv.AgentDID, &tv.Aggregate, &tv.Reliability, &tv.Honesty, &tv.Competence, &tv.Timeliness, &tv.DecayRate, &tv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: get trust: %w", err)
	}
	return &tv, nil
}

func (s *PostgresStore) UpdateTrust(ctx context.Context, tv *TrustVector) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_vectors (agent_did, aggregate, reliability, honesty, competence, timeliness, decay_rate, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_did) DO UPDATE SET
			aggregate = $2, reliability = $3, honesty = $4, competence = $5,
			timeliness = $6, decay_rate = $7, updated_at = $8`,
		tv.AgentDID, tv.Aggregate, tv.Reliability, tv.Honesty, tv.Competence, tv.Timeliness, tv.DecayRate, tv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("discovery: update trust: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUsefulness(ctx context.Context, did string, score float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trust_vectors SET usefulness_score_cached = $2, usefulness_updated_at = $3
		WHERE agent_did = $1`, did, score, at)
	if err != nil {
		return fmt.Errorf("discovery: update usefulness: %w", err)
	}
	return nil
}

func (s *PostgresStore) Usefulness(ctx context.Context, did string) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx,
		`SELECT usefulness_score_cached FROM trust_vectors WHERE agent_did = $1`, did).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAgentNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("discovery: get usefulness: %w", err)
	}
	return score, nil
}

func (s *PostgresStore) RankedAgents(ctx context.Context, limit int) ([]*RankedAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.did, COALESCE(t.aggregate, 0.5), COALESCE(t.usefulness_score_cached, 0)
		FROM agents a
		LEFT JOIN trust_vectors t ON t.agent_did = a.did
		WHERE a.expires_at IS NULL OR a.expires_at > now()
		ORDER BY COALESCE(t.aggregate, 0.5) DESC, COALESCE(t.usefulness_score_cached, 0) DESC, a.did
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("discovery: ranked agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*RankedAgent
	for rows.Next() {
		var ra RankedAgent
		if err := rows.Scan(&ra.DID, &ra.Trust, &ra.Usefulness); err != nil {
			return nil, fmt.Errorf("discovery: scan ranked agent: %w", err)
		}
		out = append(out, &ra)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveSince(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT did FROM agents WHERE last_seen_at >= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("discovery: active agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, fmt.Errorf("discovery: scan did: %w", err)
		}
		out = append(out, did)
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
