package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/reputation"
)

// Options tune committee shape and rewards.
type Options struct {
	CommitteeSize    int   // m
	Quorum           int   // k
	ValidationReward int64 // atomic credits per agreeing committee attestor
}

// CreateParams describes the settled task a receipt is issued for.
type CreateParams struct {
	IntentID     string
	AgentDID     string
	ClientDID    string
	IntentType   string
	InputsRef    string
	OutputsRef   string
	Metrics      map[string]float64
	PaymentRef   string
	AmountAtomic int64
}

// Service owns the receipt lifecycle.
type Service struct {
	store      Store
	selector   *Selector
	reputation *reputation.Service
	credits    *ledger.Service
	opts       Options
	log        *slog.Logger
	now        func() time.Time
}

func NewService(store Store, selector *Selector, rep *reputation.Service, credits *ledger.Service, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.CommitteeSize <= 0 {
		opts.CommitteeSize = 5
	}
	if opts.Quorum <= 0 {
		opts.Quorum = 3
	}
	if opts.ValidationReward <= 0 {
		opts.ValidationReward = 100
	}
	return &Service{
		store:      store,
		selector:   selector,
		reputation: rep,
		credits:    credits,
		opts:       opts,
		log:        log.With("component", "receipts"),
		now:        time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create issues a pending receipt with a freshly selected committee.
func (s *Service) Create(ctx context.Context, p *CreateParams) (*Receipt, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, err
	}
	committee, err := s.selector.Select(ctx, seed, p.AgentDID, p.ClientDID, s.opts.CommitteeSize)
	if err != nil {
		return nil, err
	}

	r := &Receipt{
		ID:            uuid.NewString(),
		IntentID:      p.IntentID,
		AgentDID:      p.AgentDID,
		ClientDID:     p.ClientDID,
		IntentType:    p.IntentType,
		InputsRef:     p.InputsRef,
		OutputsRef:    p.OutputsRef,
		Metrics:       p.Metrics,
		PaymentRef:    p.PaymentRef,
		AmountAtomic:  p.AmountAtomic,
		Status:        StatusPending,
		Committee:     committee,
		Quorum:        s.opts.Quorum,
		CommitteeSize: s.opts.CommitteeSize,
		SelectionSeed: seed,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.CreateReceipt(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info("receipt created", "task", r.ID, "provider", r.AgentDID, "committee", len(committee))
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.GetReceipt(ctx, id)
}

// ByPaymentRef returns the receipt previously issued for ref, or
// ErrNotFound.
func (s *Service) ByPaymentRef(ctx context.Context, ref string) (*Receipt, error) {
	return s.store.GetByPaymentRef(ctx, ref)
}

// Attest validates authorization and records the attestation: the client
// may submit ACCEPTED, committee members the audit types, nobody else
// anything.
func (s *Service) Attest(ctx context.Context, taskID, attestor string, typ AttestationType, score, confidence float64, evidenceRef, signature string) (*Attestation, error) {
	r, err := s.store.GetReceipt(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch typ {
	case AttestAccepted:
		if attestor != r.ClientDID {
			return nil, ErrUnauthorizedAttestation
		}
	case AttestAuditPass, AttestSafetyPass, AttestReject:
		if !r.OnCommittee(attestor) {
			return nil, ErrUnauthorizedAttestation
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnauthorizedAttestation, typ)
	}

	a := &Attestation{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Attestor:    attestor,
		Type:        typ,
		Score:       clampUnit(score),
		Confidence:  clampUnit(confidence),
		EvidenceRef: evidenceRef,
		Signature:   signature,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AddAttestation(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Evaluate runs the quorum check synchronously, the same logic the
// finalizer applies on its cadence. It returns the receipt in its
// post-evaluation state.
func (s *Service) Evaluate(ctx context.Context, taskID string) (*Receipt, error) {
	r, err := s.store.GetReceipt(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return r, nil
	}

	atts, err := s.store.Attestations(ctx, taskID)
	if err != nil {
		return nil, err
	}

	quorum := r.ScaledQuorum()
	passes, rejects := tally(r, atts)

	switch {
	case rejects >= quorum:
		if err := s.dispute(ctx, r, atts); err != nil {
			return nil, err
		}
	case passes >= quorum:
		if err := s.finalize(ctx, r, atts); err != nil {
			return nil, err
		}
	}
	return s.store.GetReceipt(ctx, taskID)
}

// tally counts toward the quorum: distinct committee AUDIT_PASS plus a
// client ACCEPTED, and distinct committee REJECTs for the dispute side.
func tally(r *Receipt, atts []*Attestation) (passes, rejects int) {
	seenPass := map[string]bool{}
	seenReject := map[string]bool{}
	accepted := false
	for _, a := range atts {
		switch a.Type {
		case AttestAuditPass:
			if r.OnCommittee(a.Attestor) {
				seenPass[a.Attestor] = true
			}
		case AttestReject:
			if r.OnCommittee(a.Attestor) {
				seenReject[a.Attestor] = true
			}
		case AttestAccepted:
			if a.Attestor == r.ClientDID {
				accepted = true
			}
		}
	}
	passes = len(seenPass)
	if accepted {
		passes++
	}
	return passes, len(seenReject)
}

func (s *Service) finalize(ctx context.Context, r *Receipt, atts []*Attestation) error {
	at := s.now().UTC()
	if err := s.store.SetStatus(ctx, r.ID, StatusPending, StatusFinalized, &at); err != nil {
		return err
	}
	s.log.Info("receipt finalized", "task", r.ID, "provider", r.AgentDID)

	s.applyReputation(ctx, r, atts)
	s.rewardAttestors(ctx, r, atts)
	return nil
}

func (s *Service) dispute(ctx context.Context, r *Receipt, atts []*Attestation) error {
	if err := s.store.SetStatus(ctx, r.ID, StatusPending, StatusDisputed, nil); err != nil {
		return err
	}
	s.log.Warn("receipt disputed", "task", r.ID, "provider", r.AgentDID)

	// Contradictory attestors lose validation standing.
	for _, a := range atts {
		if a.Type == AttestAuditPass || a.Type == AttestSafetyPass {
			s.observe(ctx, a.Attestor, map[string]float64{reputation.DimValidation: 0})
		}
	}
	return nil
}

// applyReputation derives the provider's observations from the attestation
// set and receipt metrics, and credits committee members that agreed.
func (s *Service) applyReputation(ctx context.Context, r *Receipt, atts []*Attestation) {
	obs := map[string]float64{reputation.DimReliability: 1}

	var scoreSum float64
	var scoreN int
	safetyPass := map[string]bool{}
	for _, a := range atts {
		scoreSum += a.Score
		scoreN++
		if a.Type == AttestSafetyPass && r.OnCommittee(a.Attestor) {
			safetyPass[a.Attestor] = true
		}
	}
	if scoreN > 0 {
		obs[reputation.DimQuality] = scoreSum / float64(scoreN)
	}
	if len(r.Committee) > 0 {
		obs[reputation.DimSafety] = float64(len(safetyPass)) / float64(len(r.Committee))
	}
	if proposed, actual := r.Metrics["proposed_latency_ms"], r.Metrics["latency_ms"]; proposed > 0 && actual > 0 {
		obs[reputation.DimTimeliness] = ratioUnit(proposed, actual)
	}
	if cost := r.Metrics["cost_atomic"]; cost > 0 && r.AmountAtomic > 0 {
		obs[reputation.DimEfficiency] = ratioUnit(float64(r.AmountAtomic), cost)
	}

	s.observe(ctx, r.AgentDID, obs)

	for _, a := range atts {
		if r.OnCommittee(a.Attestor) && (a.Type == AttestAuditPass || a.Type == AttestSafetyPass) {
			s.observe(ctx, a.Attestor, map[string]float64{reputation.DimValidation: 1})
		}
	}
}

// rewardAttestors pays the validation reward to committee members whose
// attestation agreed with the finalized outcome. The intent ref makes the
// earn idempotent per (member, task).
func (s *Service) rewardAttestors(ctx context.Context, r *Receipt, atts []*Attestation) {
	rewarded := map[string]bool{}
	for _, a := range atts {
		if !r.OnCommittee(a.Attestor) || rewarded[a.Attestor] {
			continue
		}
		if a.Type != AttestAuditPass && a.Type != AttestSafetyPass {
			continue
		}
		rewarded[a.Attestor] = true
		_, err := s.credits.Earn(ctx, a.Attestor, s.opts.ValidationReward, ledger.TxPoUValidation,
			"pou:"+r.ID, r.ID, map[string]interface{}{"task_id": r.ID})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			s.log.Warn("validation reward failed", "task", r.ID, "attestor", a.Attestor, "error", err)
		}
	}
}

func (s *Service) observe(ctx context.Context, did string, obs map[string]float64) {
	if s.reputation == nil {
		return
	}
	if _, err := s.reputation.Observe(ctx, did, obs); err != nil {
		s.log.Warn("reputation update failed", "agent", did, "error", err)
	}
}

// ratioUnit is min(1, budget/actual): 1 when the work came in at or under
// budget, shrinking as the overrun grows.
func ratioUnit(budget, actual float64) float64 {
	if actual <= 0 {
		return 1
	}
	r := budget / actual
	if r > 1 {
		return 1
	}
	return r
}

func clampUnit(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
