package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	agent_did  TEXT PRIMARY KEY,
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	reserved   BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
	earned     BIGINT NOT NULL DEFAULT 0 CHECK (earned >= 0),
	spent      BIGINT NOT NULL DEFAULT 0 CHECK (spent >= 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (balance >= reserved)
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id         TEXT PRIMARY KEY,
	agent_did  TEXT NOT NULL REFERENCES credit_accounts(agent_did),
	tx_type    TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	intent_ref TEXT,
	proof_ref  TEXT,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS credit_tx_idempotency
	ON credit_transactions (agent_did, tx_type, intent_ref)
	WHERE intent_ref IS NOT NULL;

CREATE INDEX IF NOT EXISTS credit_tx_agent_time
	ON credit_transactions (agent_did, created_at DESC);
`

// PostgresStore implements Store backed by PostgreSQL. Every mutation locks
// the account row with SELECT FOR UPDATE, so per-agent credit operations are
// linearizable; the row lock prevents double-spend under concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the ledger tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("ledger: init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, agentDID string, initial int64) (*Account, error) {
	if initial < 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_accounts (agent_did, balance, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
		agentDID, initial, now)
	if isUniqueViolation(err) {
		return nil, ErrAccountExists
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: create account: %w", err)
	}
	if initial > 0 {
		if err := insertTx(ctx, tx, &Transaction{
			ID:        uuid.NewString(),
			AgentDID:  agentDID,
			Type:      TxDeposit,
			Amount:    initial,
			Metadata:  map[string]interface{}{"reason": "initial_allocation"},
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return &Account{AgentDID: agentDID, Balance: initial, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, agentDID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_did, balance, reserved, earned, spent, created_at, updated_at
		 FROM credit_accounts WHERE agent_did = $1`, agentDID)
	return scanAccount(row)
}

func (s *PostgresStore) Deposit(ctx context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error) {
	return s.mutate(ctx, agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		acct.Balance += amount
		return &Transaction{Type: TxDeposit, Amount: amount, IntentRef: intentRef, Metadata: metadata}, nil
	})
}

func (s *PostgresStore) Reserve(ctx context.Context, agentDID string, amount int64, intentRef string) (*Transaction, error) {
	return s.mutate(ctx, agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if acct.Available() < amount {
			return nil, ErrInsufficientBalance
		}
		acct.Reserved += amount
		return &Transaction{Type: TxReserve, Amount: amount, IntentRef: intentRef}, nil
	})
}

// Release undoes a reservation, spending spentAmt of it. Two transaction rows
// are written when spentAmt > 0: the release and the spend.
func (s *PostgresStore) Release(ctx context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) ([]*Transaction, error) {
	if reservedAmt <= 0 || spentAmt < 0 || spentAmt > reservedAmt {
		return nil, ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := lockAccount(ctx, tx, agentDID)
	if err != nil {
		return nil, err
	}
	// Idempotency first: a retried release must report the duplicate, not
	// the insufficient reservation its first run consumed.
	if intentRef != "" {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM credit_transactions
			 WHERE agent_did = $1 AND tx_type = $2 AND intent_ref = $3)`,
			agentDID, string(TxRelease), intentRef).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("ledger: release idempotency check: %w", err)
		}
		if exists {
			return nil, ErrDuplicateTransaction
		}
	}
	if acct.Reserved < reservedAmt {
		return nil, ErrInsufficientReserved
	}
	acct.Reserved -= reservedAmt
	acct.Spent += spentAmt
	acct.Balance -= spentAmt

	now := time.Now().UTC()
	out := []*Transaction{{
		ID: uuid.NewString(), AgentDID: agentDID, Type: TxRelease,
		Amount: reservedAmt, IntentRef: intentRef, CreatedAt: now,
	}}
	if spentAmt > 0 {
		out = append(out, &Transaction{
			ID: uuid.NewString(), AgentDID: agentDID, Type: TxSpend,
			Amount: spentAmt, IntentRef: intentRef, CreatedAt: now,
		})
	}
	if err := updateAccount(ctx, tx, acct); err != nil {
		return nil, err
	}
	for _, t := range out {
		if err := insertTx(ctx, tx, t); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Earn(ctx context.Context, agentDID string, amount int64, kind TxType, intentRef, proofRef string, metadata map[string]interface{}) (*Transaction, error) {
	if kind != TxEarn && kind != TxPoUValidation {
		kind = TxEarn
	}
	return s.mutate(ctx, agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		acct.Balance += amount
		acct.Earned += amount
		return &Transaction{Type: kind, Amount: amount, IntentRef: intentRef, ProofRef: proofRef, Metadata: metadata}, nil
	})
}

func (s *PostgresStore) Spend(ctx context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error) {
	return s.mutate(ctx, agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if acct.Available() < amount {
			return nil, ErrInsufficientBalance
		}
		acct.Balance -= amount
		acct.Spent += amount
		return &Transaction{Type: TxSpend, Amount: amount, IntentRef: intentRef, Metadata: metadata}, nil
	})
}

func (s *PostgresStore) Transactions(ctx context.Context, agentDID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_did, tx_type, amount, intent_ref, proof_ref, metadata, created_at
		 FROM credit_transactions WHERE agent_did = $1 ORDER BY created_at DESC LIMIT $2`,
		agentDID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var intentRef, proofRef sql.NullString
		var meta []byte
		if err := rows.Scan(&t.ID, &t.AgentDID, &t.Type, &t.Amount, &intentRef, &proofRef, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		t.IntentRef = intentRef.String
		t.ProofRef = proofRef.String
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.Metadata)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// mutate runs fn under the account row lock and persists the resulting
// account state plus the single transaction fn returns.
func (s *PostgresStore) mutate(ctx context.Context, agentDID string, fn func(*Account) (*Transaction, error)) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := lockAccount(ctx, tx, agentDID)
	if err != nil {
		return nil, err
	}
	entry, err := fn(acct)
	if err != nil {
		return nil, err
	}
	entry.ID = uuid.NewString()
	entry.AgentDID = agentDID
	entry.CreatedAt = time.Now().UTC()

	if err := updateAccount(ctx, tx, acct); err != nil {
		return nil, err
	}
	if err := insertTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	return entry, nil
}

func lockAccount(ctx context.Context, tx *sql.Tx, agentDID string) (*Account, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT agent_did, balance, reserved, earned, spent, created_at, updated_at
		 FROM credit_accounts WHERE agent_did = $1 FOR UPDATE`, agentDID)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.AgentDID, &a.Balance, &a.Reserved, &a.Earned, &a.Spent, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: scan account: %w", err)
	}
	return &a, nil
}

func updateAccount(ctx context.Context, tx *sql.Tx, a *Account) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE credit_accounts SET balance = $2, reserved = $3, earned = $4, spent = $5, updated_at = now()
		 WHERE agent_did = $1`,
		a.AgentDID, a.Balance, a.Reserved, a.Earned, a.Spent)
	if err != nil {
		return fmt.Errorf("ledger: update account: %w", err)
	}
	return nil
}

func insertTx(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	var meta []byte
	if t.Metadata != nil {
		meta, _ = json.Marshal(t.Metadata)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, agent_did, tx_type, amount, intent_ref, proof_ref, metadata, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		t.ID, t.AgentDID, string(t.Type), t.Amount, t.IntentRef, t.ProofRef, meta, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("ledger: insert transaction: %w", err)
	}
	return nil
}

// isUniqueViolation detects Postgres error 23505 (unique_violation), which
// the idempotency index raises on a repeated (agent, type, intent_ref).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
