package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS agent_reputation (
	agent_did   TEXT PRIMARY KEY,
	quality     DOUBLE PRECISION NOT NULL CHECK (quality BETWEEN 0 AND 1),
	timeliness  DOUBLE PRECISION NOT NULL CHECK (timeliness BETWEEN 0 AND 1),
	reliability DOUBLE PRECISION NOT NULL CHECK (reliability BETWEEN 0 AND 1),
	safety      DOUBLE PRECISION NOT NULL CHECK (safety BETWEEN 0 AND 1),
	validation  DOUBLE PRECISION NOT NULL CHECK (validation BETWEEN 0 AND 1),
	integrity   DOUBLE PRECISION NOT NULL CHECK (integrity BETWEEN 0 AND 1),
	efficiency  DOUBLE PRECISION NOT NULL CHECK (efficiency BETWEEN 0 AND 1),
	updated_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresStore persists reputation vectors.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("reputation: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, did string) (*Vector, error) {
	v := &Vector{}
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_did, quality, timeliness, reliability, safety, validation, integrity, efficiency, updated_at
		FROM agent_reputation WHERE agent_did = $1`, did).
		Scan(&v.AgentDID, &v.Quality, &v.Timeliness, &v.Reliability, &v.Safety,
			&v.Validation, &v.Integrity, &v.Efficiency, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reputation: get %s: %w", did, err)
	}
	v.UpdatedAt = updatedAt
	return v, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, v *Vector) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_reputation (agent_did, quality, timeliness, reliability, safety, validation, integrity, efficiency, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (agent_did) DO UPDATE SET
			quality = EXCLUDED.quality, timeliness = EXCLUDED.timeliness,
			reliability = EXCLUDED.reliability, safety = EXCLUDED.safety,
			validation = EXCLUDED.validation, integrity = EXCLUDED.integrity,
			efficiency = EXCLUDED.efficiency, updated_at = EXCLUDED.updated_at`,
		v.AgentDID, v.Quality, v.Timeliness, v.Reliability, v.Safety,
		v.Validation, v.Integrity, v.Efficiency, v.UpdatedAt)
	if err != nil {
		return fmt.Errorf("reputation: upsert %s: %w", v.AgentDID, err)
	}
	return nil
}
