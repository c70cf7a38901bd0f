package usefulness

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS usefulness_proofs (
	id           TEXT PRIMARY KEY,
	agent_did    TEXT NOT NULL,
	work_type    TEXT NOT NULL,
	metrics      JSONB NOT NULL,
	attestations JSONB,
	trace_id     TEXT NOT NULL DEFAULT '',
	score        DOUBLE PRECISION NOT NULL CHECK (score BETWEEN 0 AND 100),
	proof_time   TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usefulness_proofs_agent_time
	ON usefulness_proofs (agent_did, proof_time DESC);
CREATE INDEX IF NOT EXISTS usefulness_proofs_time
	ON usefulness_proofs (proof_time);
`

// PostgresStore persists usefulness proofs.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("usefulness: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, p *Proof) error {
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("usefulness: marshal metrics: %w", err)
	}
	var attestations []byte
	if len(p.Attestations) > 0 {
		if attestations, err = json.Marshal(p.Attestations); err != nil {
			return fmt.Errorf("usefulness: marshal attestations: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usefulness_proofs (id, agent_did, work_type, metrics, attestations, trace_id, score, proof_time, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.AgentDID, string(p.WorkType), metrics, attestations, p.TraceID, p.Score, p.Timestamp, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("usefulness: insert proof %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Proof, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_did, work_type, metrics, attestations, trace_id, score, proof_time, created_at
		FROM usefulness_proofs WHERE id = $1`, id)
	p, err := scanProof(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("usefulness: get proof %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ActiveAgents(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_did FROM usefulness_proofs WHERE proof_time >= $1 ORDER BY agent_did`, since)
	if err != nil {
		return nil, fmt.Errorf("usefulness: active agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var did string
		if err := rows.Scan(&did); err != nil {
			return nil, err
		}
		out = append(out, did)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByAgent(ctx context.Context, agentDID string, since time.Time, limit int) ([]*Proof, error) {
	if limit <= 0 {
		limit = 10_000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_did, work_type, metrics, attestations, trace_id, score, proof_time, created_at
		FROM usefulness_proofs
		WHERE agent_did = $1 AND proof_time >= $2
		ORDER BY proof_time DESC LIMIT $3`, agentDID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("usefulness: list proofs for %s: %w", agentDID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Proof
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("usefulness: scan proof: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProof(row rowScanner) (*Proof, error) {
	p := &Proof{}
	var workType string
	var metrics []byte
	var attestations sql.NullString
	err := row.Scan(&p.ID, &p.AgentDID, &workType, &metrics, &attestations, &p.TraceID,
		&p.Score, &p.Timestamp, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.WorkType = WorkType(workType)
	if err := json.Unmarshal(metrics, &p.Metrics); err != nil {
		return nil, err
	}
	if attestations.Valid && attestations.String != "" {
		if err := json.Unmarshal([]byte(attestations.String), &p.Attestations); err != nil {
			return nil, err
		}
	}
	return p, nil
}
