package negotiation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS negotiation_sessions (
	id               TEXT PRIMARY KEY,
	intent_id        TEXT NOT NULL,
	initiator        TEXT NOT NULL,
	responder        TEXT NOT NULL,
	state            TEXT NOT NULL,
	rounds           JSONB NOT NULL DEFAULT '[]',
	convergence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_proposal JSONB,
	final_proposal   JSONB,
	incentive_split  JSONB NOT NULL,
	max_rounds       INTEGER NOT NULL CHECK (max_rounds BETWEEN 1 AND 20),
	reserved_atomic  BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	CHECK (initiator <> responder)
);

CREATE INDEX IF NOT EXISTS negotiation_sessions_party
	ON negotiation_sessions (initiator, state);
CREATE INDEX IF NOT EXISTS negotiation_sessions_responder
	ON negotiation_sessions (responder, state);
CREATE INDEX IF NOT EXISTS negotiation_sessions_expiry
	ON negotiation_sessions (expires_at) WHERE state IN ('initiated', 'proposed', 'counter_proposed');
`

// PostgresStore persists negotiation sessions. Transitions are
// compare-and-set on (state, updated_at), which is what serializes
// concurrent counters without row locks held across round trips.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("negotiation: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	rounds, current, final, split, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO negotiation_sessions (id, intent_id, initiator, responder, state, rounds, convergence,
			current_proposal, final_proposal, incentive_split, max_rounds, reserved_atomic, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		sess.ID, sess.IntentID, sess.Initiator, sess.Responder, string(sess.State), rounds, sess.Convergence,
		current, final, split, sess.MaxRounds, sess.ReservedAtomic, sess.CreatedAt, sess.ExpiresAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("negotiation: insert session %s: %w", sess.ID, err)
	}
	return nil
}

const sessionColumns = `id, intent_id, initiator, responder, state, rounds, convergence,
	current_proposal, final_proposal, incentive_split, max_rounds, reserved_atomic, created_at, expires_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM negotiation_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation: get %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) Update(ctx context.Context, sess *Session, fromState State, fromUpdatedAt time.Time) error {
	rounds, current, final, split, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE negotiation_sessions SET state = $4, rounds = $5, convergence = $6,
			current_proposal = $7, final_proposal = $8, incentive_split = $9,
			reserved_atomic = $10, expires_at = $11, updated_at = $12
		WHERE id = $1 AND state = $2 AND updated_at = $3`,
		sess.ID, string(fromState), fromUpdatedAt,
		string(sess.State), rounds, sess.Convergence, current, final, split,
		sess.ReservedAtomic, sess.ExpiresAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("negotiation: update session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, agentDID string, state State, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + sessionColumns + ` FROM negotiation_sessions WHERE 1=1`
	args := []interface{}{}
	n := 1
	if agentDID != "" {
		query += fmt.Sprintf(` AND (initiator = $%d OR responder = $%d)`, n, n)
		args = append(args, agentDID)
		n++
	}
	if state != "" {
		query += fmt.Sprintf(` AND state = $%d`, n)
		args = append(args, string(state))
		n++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, n)
	args = append(args, limit)

	return s.querySessions(ctx, query, args...)
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM negotiation_sessions
		WHERE expires_at < $1 AND state IN ('initiated', 'proposed', 'counter_proposed')
		ORDER BY expires_at LIMIT $2`, now, limit)
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("negotiation: query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("negotiation: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var state string
	var rounds, split []byte
	var current, final sql.NullString
	err := row.Scan(&sess.ID, &sess.IntentID, &sess.Initiator, &sess.Responder, &state, &rounds,
		&sess.Convergence, &current, &final, &split, &sess.MaxRounds, &sess.ReservedAtomic,
		&sess.CreatedAt, &sess.ExpiresAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.State = State(state)
	if err := json.Unmarshal(rounds, &sess.Rounds); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(split, &sess.Split); err != nil {
		return nil, err
	}
	if current.Valid {
		_ = json.Unmarshal([]byte(current.String), &sess.CurrentProposal)
	}
	if final.Valid {
		_ = json.Unmarshal([]byte(final.String), &sess.FinalProposal)
	}
	return sess, nil
}

func marshalSessionJSON(sess *Session) (rounds, current, final, split []byte, err error) {
	if rounds, err = json.Marshal(sess.Rounds); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal rounds: %w", err)
	}
	if sess.CurrentProposal != nil {
		if current, err = json.Marshal(sess.CurrentProposal); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal proposal: %w", err)
		}
	}
	if sess.FinalProposal != nil {
		if final, err = json.Marshal(sess.FinalProposal); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal final proposal: %w", err)
		}
	}
	if split, err = json.Marshal(sess.Split); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("negotiation: marshal split: %w", err)
	}
	return rounds, current, final, split, nil
}
