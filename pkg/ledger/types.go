// Package ledger implements the off-chain credit ledger: per-agent balances
// with reservations and an append-only transaction log. All mutations are
// serialized per account via row locks; idempotency is enforced by a unique
// partial index on (agent, type, intent_ref).
package ledger

import (
	"context"
	"errors"
	"time"
)

// AtomicPerCredit is the credit denomination: 1 credit = 1000 atomic units.
const AtomicPerCredit = 1000

// TxType classifies ledger transactions.
type TxType string

const (
	TxDeposit       TxType = "deposit"
	TxEarn          TxType = "earn"
	TxReserve       TxType = "reserve"
	TxRelease       TxType = "release"
	TxSpend         TxType = "spend"
	TxPoUValidation TxType = "pou_validation"
)

// Account is the derived per-agent view. Invariants after every commit:
// balance >= reserved >= 0 and earned, spent >= 0.
type Account struct {
	AgentDID  string    `json:"agent_did"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	Earned    int64     `json:"earned"`
	Spent     int64     `json:"spent"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Available is the spendable balance under current reservations.
func (a *Account) Available() int64 {
	return a.Balance - a.Reserved
}

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID        string                 `json:"id"`
	AgentDID  string                 `json:"agent_did"`
	Type      TxType                 `json:"type"`
	Amount    int64                  `json:"amount"`
	IntentRef string                 `json:"intent_ref,omitempty"`
	ProofRef  string                 `json:"proof_ref,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

var (
	ErrAccountNotFound      = errors.New("credit account not found")
	ErrAccountExists        = errors.New("credit account already exists")
	ErrInsufficientBalance  = errors.New("insufficient available balance")
	ErrInsufficientReserved = errors.New("insufficient reserved amount")
	ErrDuplicateTransaction = errors.New("duplicate transaction for intent reference")
	ErrInvalidAmount        = errors.New("amount must be positive")
)

// Store is the ledger persistence contract. Every mutating call commits the
// account update and its transaction row(s) atomically.
type Store interface {
	CreateAccount(ctx context.Context, agentDID string, initial int64) (*Account, error)
	GetAccount(ctx context.Context, agentDID string) (*Account, error)
	Deposit(ctx context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error)
	Reserve(ctx context.Context, agentDID string, amount int64, intentRef string) (*Transaction, error)
	Release(ctx context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) ([]*Transaction, error)
	Earn(ctx context.Context, agentDID string, amount int64, kind TxType, intentRef, proofRef string, metadata map[string]interface{}) (*Transaction, error)
	Spend(ctx context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error)
	Transactions(ctx context.Context, agentDID string, limit int) ([]*Transaction, error)
	Ping(ctx context.Context) error
}
