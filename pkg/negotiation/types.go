// Package negotiation implements the multi-round proposal state machine:
// alternating counters with convergence tracking, credit reservation on
// accept, and incentive-split settlement.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// State of a negotiation session. Terminal states never transition again.
type State string

const (
	StateInitiated       State = "initiated"
	StateProposed        State = "proposed"
	StateCounterProposed State = "counter_proposed"
	StateAccepted        State = "accepted"
	StateRejected        State = "rejected"
	StateExpired         State = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateExpired
}

var (
	ErrNotFound       = errors.New("negotiation session not found")
	ErrExpired        = errors.New("negotiation session expired")
	ErrMaxRounds      = errors.New("negotiation round limit reached")
	ErrNotParticipant = errors.New("agent is not a session participant")
	// ErrSameParty covers both creating a session against oneself and
	// acting twice in a row (counters alternate; accepts come from the
	// peer that did not make the latest proposal).
	ErrSameParty = errors.New("same party may not act twice")
	// ErrConflict is the store-level CAS failure: the session moved under
	// the caller.
	ErrConflict = errors.New("session changed concurrently")
)

// TransitionError reports an action applied in a state that does not
// admit it.
type TransitionError struct {
	State  State
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s in state %q", e.Action, e.State)
}

// Round is one entry in the append-only proposal log.
type Round struct {
	Actor    string                 `json:"actor"`
	Proposal map[string]interface{} `json:"proposal"`
	At       time.Time              `json:"at"`
}

// Split is the incentive distribution applied at settlement. Shares must
// sum to 1 within epsilon.
type Split struct {
	Agent     float64 `json:"agent"`
	Broker    float64 `json:"broker"`
	Validator float64 `json:"validator"`
	Pool      float64 `json:"pool"`
}

// DefaultSplit is the distribution used when the settling caller supplies
// none.
var DefaultSplit = Split{Agent: 0.7, Broker: 0.1, Validator: 0.1, Pool: 0.1}

const splitEpsilon = 1e-6

// Validate checks the shares are non-negative and sum to 1.
func (s Split) Validate() error {
	for name, share := range map[string]float64{
		"agent": s.Agent, "broker": s.Broker, "validator": s.Validator, "pool": s.Pool,
	} {
		if share < 0 {
			return fmt.Errorf("negotiation: split share %s is negative", name)
		}
	}
	sum := s.Agent + s.Broker + s.Validator + s.Pool
	if math.Abs(sum-1) > splitEpsilon {
		return fmt.Errorf("negotiation: split shares sum to %g, want 1", sum)
	}
	return nil
}

// Session is one negotiation between two agents over an intent.
type Session struct {
	ID              string                 `json:"id"`
	IntentID        string                 `json:"intent_id"`
	Initiator       string                 `json:"initiator"`
	Responder       string                 `json:"responder"`
	State           State                  `json:"state"`
	Rounds          []Round                `json:"rounds"`
	Convergence     float64                `json:"convergence"`
	CurrentProposal map[string]interface{} `json:"current_proposal,omitempty"`
	FinalProposal   map[string]interface{} `json:"final_proposal,omitempty"`
	Split           Split                  `json:"incentive_split"`
	MaxRounds       int                    `json:"max_rounds"`
	ReservedAtomic  int64                  `json:"reserved_atomic"`
	CreatedAt       time.Time              `json:"created_at"`
	ExpiresAt       time.Time              `json:"expires_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// Participant reports whether the DID is a party to the session.
func (s *Session) Participant(did string) bool {
	return did == s.Initiator || did == s.Responder
}

// LastActor returns the actor of the most recent round.
func (s *Session) LastActor() string {
	if len(s.Rounds) == 0 {
		return ""
	}
	return s.Rounds[len(s.Rounds)-1].Actor
}

// Overdue reports whether the session deadline has passed.
func (s *Session) Overdue(now time.Time) bool {
	return s.ExpiresAt.Before(now)
}

// Store is the session persistence contract. Update is compare-and-set on
// (state, updated_at); a lost race surfaces ErrConflict.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session, fromState State, fromUpdatedAt time.Time) error
	List(ctx context.Context, agentDID string, state State, limit int) ([]*Session, error)
	// ListOverdue returns non-terminal sessions whose deadline passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Session, error)
	Ping(ctx context.Context) error
}
