package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS task_receipts (
	id             TEXT PRIMARY KEY,
	intent_id      TEXT NOT NULL,
	agent_did      TEXT NOT NULL,
	client_did     TEXT NOT NULL,
	intent_type    TEXT,
	inputs_ref     TEXT,
	outputs_ref    TEXT,
	metrics        JSONB NOT NULL DEFAULT '{}',
	payment_ref    TEXT,
	amount_atomic  BIGINT NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'pending',
	committee      JSONB NOT NULL DEFAULT '[]',
	quorum         INTEGER NOT NULL,
	committee_size INTEGER NOT NULL,
	selection_seed TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	finalized_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS task_receipts_status ON task_receipts (status, created_at);
CREATE INDEX IF NOT EXISTS task_receipts_agent ON task_receipts (agent_did);

CREATE TABLE IF NOT EXISTS attestations (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL REFERENCES task_receipts(id),
	attestor     TEXT NOT NULL,
	att_type     TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL CHECK (score BETWEEN 0 AND 1),
	confidence   DOUBLE PRECISION NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	evidence_ref TEXT,
	signature    TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	UNIQUE (task_id, attestor, att_type)
);
`

// PostgresStore persists receipts and attestations.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("receipts: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateReceipt(ctx context.Context, r *Receipt) error {
	metrics, err := json.Marshal(r.Metrics)
	if err != nil {
		return fmt.Errorf("receipts: marshal metrics: %w", err)
	}
	committee, err := json.Marshal(r.Committee)
	if err != nil {
		return fmt.Errorf("receipts: marshal committee: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_receipts (id, intent_id, agent_did, client_did, intent_type, inputs_ref, outputs_ref,
			metrics, payment_ref, amount_atomic, status, committee, quorum, committee_size, selection_seed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.IntentID, r.AgentDID, r.ClientDID, r.IntentType, r.InputsRef, r.OutputsRef,
		metrics, r.PaymentRef, r.AmountAtomic, string(r.Status), committee,
		r.Quorum, r.CommitteeSize, r.SelectionSeed, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("receipts: insert receipt %s: %w", r.ID, err)
	}
	return nil
}

const receiptColumns = `id, intent_id, agent_did, client_did, intent_type, inputs_ref, outputs_ref,
	metrics, payment_ref, amount_atomic, status, committee, quorum, committee_size, selection_seed, created_at, finalized_at`

func (s *PostgresStore) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM task_receipts WHERE id = $1`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Receipt, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+receiptColumns+` FROM task_receipts
		WHERE payment_ref = $1 ORDER BY created_at LIMIT 1`, ref)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: get by payment ref %s: %w", ref, err)
	}
	return r, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, from, to Status, finalizedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_receipts SET status = $3, finalized_at = COALESCE($4, finalized_at)
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), finalizedAt)
	if err != nil {
		return fmt.Errorf("receipts: set status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+receiptColumns+` FROM task_receipts
		WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("receipts: list %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("receipts: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddAttestation(ctx context.Context, a *Attestation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attestations (id, task_id, attestor, att_type, score, confidence, evidence_ref, signature, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.TaskID, a.Attestor, string(a.Type), a.Score, a.Confidence, a.EvidenceRef, a.Signature, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateAttestation
	}
	if err != nil {
		return fmt.Errorf("receipts: insert attestation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Attestations(ctx context.Context, taskID string) ([]*Attestation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attestor, att_type, score, confidence, evidence_ref, signature, created_at
		FROM attestations WHERE task_id = $1 ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("receipts: attestations for %s: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Attestation
	for rows.Next() {
		a := &Attestation{}
		var typ string
		var evidence, signature sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attestor, &typ, &a.Score, &a.Confidence,
			&evidence, &signature, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("receipts: scan attestation: %w", err)
		}
		a.Type = AttestationType(typ)
		a.EvidenceRef = evidence.String
		a.Signature = signature.String
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	r := &Receipt{}
	var metrics, committee []byte
	var status string
	var intentType, inputs, outputs, payment sql.NullString
	var finalizedAt sql.NullTime
	err := row.Scan(&r.ID, &r.IntentID, &r.AgentDID, &r.ClientDID, &intentType, &inputs, &outputs,
		&metrics, &payment, &r.AmountAtomic, &status, &committee,
		&r.Quorum, &r.CommitteeSize, &r.SelectionSeed, &r.CreatedAt, &finalizedAt)
	if err != nil {
		return nil, err
	}
	r.IntentType = intentType.String
	r.InputsRef = inputs.String
	r.OutputsRef = outputs.String
	r.PaymentRef = payment.String
	r.Status = Status(status)
	if finalizedAt.Valid {
		t := finalizedAt.Time
		r.FinalizedAt = &t
	}
	_ = json.Unmarshal(metrics, &r.Metrics)
	_ = json.Unmarshal(committee, &r.Committee)
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
