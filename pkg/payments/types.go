// Package payments manages payment requests and the provider webhooks that
// settle them into ledger deposits.
package payments

import (
	"context"
	"errors"
	"time"
)

// Method is the payment rail a request is settled over.
type Method string

const (
	MethodCredits   Method = "credits"
	MethodCoinbase  Method = "coinbase"
	MethodLightning Method = "lightning"
	MethodUSDC      Method = "usdc"
)

var methods = map[Method]struct{}{
	MethodCredits: {}, MethodCoinbase: {}, MethodLightning: {}, MethodUSDC: {},
}

func (m Method) Valid() bool {
	_, ok := methods[m]
	return ok
}

// Status of a payment request. Transitions are monotone toward a terminal
// state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed || s == StatusCancelled
}

var (
	ErrNotFound        = errors.New("payment request not found")
	ErrInvalidAmount   = errors.New("payment amount must be positive")
	ErrBadMethod       = errors.New("unknown payment method")
	ErrExpired         = errors.New("payment request expired")
	ErrAlreadySettled  = errors.New("payment request already settled")
	ErrUnknownProvider = errors.New("unknown payment provider")
	ErrBadSignature    = errors.New("webhook signature verification failed")
	ErrAmountMismatch  = errors.New("webhook amount does not match request")
)

// Request is one payment demand owned by an agent.
type Request struct {
	ID           string                 `json:"id"`
	OwnerDID     string                 `json:"owner_did"`
	AmountAtomic int64                  `json:"amount_atomic"`
	Currency     string                 `json:"currency"`
	Method       Method                 `json:"method"`
	Status       Status                 `json:"status"`
	ProviderRef  string                 `json:"provider_ref,omitempty"`
	Description  string                 `json:"description,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ExpiresAt    time.Time              `json:"expires_at"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Receipt is the append-only confirmation row a provider webhook writes.
type Receipt struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	TxRef        string    `json:"tx_ref"`
	AmountAtomic int64     `json:"amount_atomic"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
	RawPayload   []byte    `json:"-"`
}

// Store persists requests and receipts.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	GetRequest(ctx context.Context, id string) (*Request, error)
	// SetStatus moves a request from one status to another; a lost race
	// surfaces ErrAlreadySettled.
	SetStatus(ctx context.Context, id string, from, to Status, providerRef string, at time.Time) error
	InsertReceipt(ctx context.Context, r *Receipt) error
	ReceiptsByRequest(ctx context.Context, requestID string) ([]*Receipt, error)
	Ping(ctx context.Context) error
}
