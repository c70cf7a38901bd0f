package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS payment_requests (
	id            TEXT PRIMARY KEY,
	owner_did     TEXT NOT NULL,
	amount_atomic BIGINT NOT NULL CHECK (amount_atomic > 0),
	currency      TEXT NOT NULL,
	method        TEXT NOT NULL,
	status        TEXT NOT NULL,
	provider_ref  TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	metadata      JSONB,
	expires_at    TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS payment_requests_owner
	ON payment_requests (owner_did, created_at DESC);

CREATE TABLE IF NOT EXISTS payment_receipts (
	id            TEXT PRIMARY KEY,
	request_id    TEXT NOT NULL REFERENCES payment_requests (id),
	provider      TEXT NOT NULL,
	tx_ref        TEXT NOT NULL,
	amount_atomic BIGINT NOT NULL,
	confirmed_at  TIMESTAMPTZ NOT NULL,
	raw_payload   BYTEA
);

CREATE INDEX IF NOT EXISTS payment_receipts_request
	ON payment_receipts (request_id);
`

// PostgresStore persists payment requests and receipts.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("payments: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateRequest(ctx context.Context, r *Request) error {
	var metadata []byte
	if r.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(r.Metadata); err != nil {
			return fmt.Errorf("payments: marshal metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_requests (id, owner_did, amount_atomic, currency, method, status,
			provider_ref, description, metadata, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.OwnerDID, r.AmountAtomic, r.Currency, string(r.Method), string(r.Status),
		r.ProviderRef, r.Description, metadata, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("payments: insert request %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_did, amount_atomic, currency, method, status,
			provider_ref, description, metadata, expires_at, created_at, updated_at
		FROM payment_requests WHERE id = $1`, id)

	r := &Request{}
	var method, status string
	var metadata sql.NullString
	err := row.Scan(&r.ID, &r.OwnerDID, &r.AmountAtomic, &r.Currency, &method, &status,
		&r.ProviderRef, &r.Description, &metadata, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("payments: get request %s: %w", id, err)
	}
	r.Method = Method(method)
	r.Status = Status(status)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("payments: decode metadata: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, id string, from, to Status, providerRef string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_requests
		SET status = $3, provider_ref = CASE WHEN $4 <> '' THEN $4 ELSE provider_ref END, updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), providerRef, at)
	if err != nil {
		return fmt.Errorf("payments: set status for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRequest(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadySettled
	}
	return nil
}

func (s *PostgresStore) InsertReceipt(ctx context.Context, r *Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_receipts (id, request_id, provider, tx_ref, amount_atomic, confirmed_at, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.RequestID, r.Provider, r.TxRef, r.AmountAtomic, r.ConfirmedAt, r.RawPayload)
	if err != nil {
		return fmt.Errorf("payments: insert receipt for %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *PostgresStore) ReceiptsByRequest(ctx context.Context, requestID string) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, provider, tx_ref, amount_atomic, confirmed_at, raw_payload
		FROM payment_receipts WHERE request_id = $1 ORDER BY confirmed_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("payments: list receipts for %s: %w", requestID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		r := &Receipt{}
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Provider, &r.TxRef, &r.AmountAtomic, &r.ConfirmedAt, &r.RawPayload); err != nil {
			return nil, fmt.Errorf("payments: scan receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
