// Package receipts implements proof-of-usefulness task receipts: creation on
// settlement, deterministic committee selection, attestation acceptance, and
// k-of-m quorum finalization.
package receipts

import (
	"context"
	"errors"
	"time"
)

// Receipt status. Monotone toward a terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFinalized Status = "finalized"
	StatusDisputed  Status = "disputed"
	StatusFailed    Status = "failed"
)

// Attestation types. The task client may only submit ACCEPTED; committee
// members submit the audit types.
type AttestationType string

const (
	AttestAccepted   AttestationType = "ACCEPTED"
	AttestAuditPass  AttestationType = "AUDIT_PASS"
	AttestSafetyPass AttestationType = "SAFETY_PASS"
	AttestReject     AttestationType = "REJECT"
)

var (
	ErrNotFound                = errors.New("receipt not found")
	ErrDuplicateAttestation    = errors.New("attestation already submitted")
	ErrUnauthorizedAttestation = errors.New("attestor may not submit this type")
	ErrNotPending              = errors.New("receipt is not pending")
)

// Receipt records one settled task awaiting committee judgment.
type Receipt struct {
	ID            string             `json:"id"`
	IntentID      string             `json:"intent_id"`
	AgentDID      string             `json:"agent_did"`
	ClientDID     string             `json:"client_did"`
	IntentType    string             `json:"intent_type,omitempty"`
	InputsRef     string             `json:"inputs_ref,omitempty"`
	OutputsRef    string             `json:"outputs_ref,omitempty"`
	Metrics       map[string]float64 `json:"metrics,omitempty"`
	PaymentRef    string             `json:"payment_ref,omitempty"`
	AmountAtomic  int64              `json:"amount_atomic"`
	Status        Status             `json:"status"`
	Committee     []string           `json:"committee"`
	Quorum        int                `json:"quorum"`
	CommitteeSize int                `json:"committee_size"`
	SelectionSeed string             `json:"selection_seed"`
	CreatedAt     time.Time          `json:"created_at"`
	FinalizedAt   *time.Time         `json:"finalized_at,omitempty"`
}

// ScaledQuorum is the effective quorum when fewer than m eligible agents
// existed at selection time: k' = min(k, ceil(len·k/m)).
func (r *Receipt) ScaledQuorum() int {
	if r.CommitteeSize <= 0 || len(r.Committee) >= r.CommitteeSize {
		return r.Quorum
	}
	scaled := (len(r.Committee)*r.Quorum + r.CommitteeSize - 1) / r.CommitteeSize
	if scaled < r.Quorum {
		return scaled
	}
	return r.Quorum
}

// OnCommittee reports whether the DID is a committee member.
func (r *Receipt) OnCommittee(did string) bool {
	for _, m := range r.Committee {
		if m == did {
			return true
		}
	}
	return false
}

// Attestation is one judgment on a task.
type Attestation struct {
	ID          string          `json:"id"`
	TaskID      string          `json:"task_id"`
	Attestor    string          `json:"attestor"`
	Type        AttestationType `json:"type"`
	Score       float64         `json:"score"`
	Confidence  float64         `json:"confidence"`
	EvidenceRef string          `json:"evidence_ref,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Store is the receipt persistence contract.
type Store interface {
	CreateReceipt(ctx context.Context, r *Receipt) error
	GetReceipt(ctx context.Context, id string) (*Receipt, error)
	// GetByPaymentRef returns the receipt issued for the payment ref, or
	// ErrNotFound. Settlement uses it to keep receipt creation idempotent.
	GetByPaymentRef(ctx context.Context, ref string) (*Receipt, error)
	// SetStatus moves id from the expected status, compare-and-set. Zero
	// rows affected surfaces ErrNotPending.
	SetStatus(ctx context.Context, id string, from, to Status, finalizedAt *time.Time) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Receipt, error)
	// AddAttestation inserts, unique on (task, attestor, type).
	AddAttestation(ctx context.Context, a *Attestation) error
	Attestations(ctx context.Context, taskID string) ([]*Attestation, error)
	Ping(ctx context.Context) error
}
