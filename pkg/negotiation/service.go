package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/receipts"
	"github.com/ainp-labs/broker/pkg/stream"
)

// Options carry the negotiation defaults from configuration.
type Options struct {
	MaxRounds            int
	TTL                  time.Duration
	ConvergenceThreshold float64
	// BrokerDID and PoolDID receive the broker and pool shares at
	// settlement.
	BrokerDID string
	PoolDID   string
}

// SettleParams control the settlement distribution.
type SettleParams struct {
	Split             *Split
	ValidatorDID      string
	UsefulnessProofID string
	OutputsRef        string
	Metrics           map[string]float64
}

// Service drives negotiation sessions through the state machine.
type Service struct {
	store    Store
	credits  *ledger.Service
	receipts *receipts.Service
	broker   stream.Broker
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, credits *ledger.Service, rcpts *receipts.Service, broker stream.Broker, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 10
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.BrokerDID == "" {
		opts.BrokerDID = "did:ainp:broker"
	}
	if opts.PoolDID == "" {
		opts.PoolDID = "did:ainp:pool"
	}
	return &Service{
		store:    store,
		credits:  credits,
		receipts: rcpts,
		broker:   broker,
		opts:     opts,
		log:      log.With("component", "negotiation"),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Initiate opens a session with the initiator's opening proposal.
func (s *Service) Initiate(ctx context.Context, intentID, initiator, responder string, proposal map[string]interface{}, maxRounds int, ttl time.Duration) (*Session, error) {
	if initiator == responder {
		return nil, ErrSameParty
	}
	if maxRounds <= 0 {
		maxRounds = s.opts.MaxRounds
	}
	if maxRounds > 20 {
		maxRounds = 20
	}
	if ttl <= 0 {
		ttl = s.opts.TTL
	}

	now := s.now().UTC()
	sess := &Session{
		ID:              uuid.NewString(),
		IntentID:        intentID,
		Initiator:       initiator,
		Responder:       responder,
		State:           StateInitiated,
		Rounds:          []Round{{Actor: initiator, Proposal: proposal, At: now}},
		CurrentProposal: proposal,
		Split:           DefaultSplit,
		MaxRounds:       maxRounds,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
		UpdatedAt:       now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.log.Info("negotiation initiated", "session", sess.ID, "initiator", initiator, "responder", responder)
	return sess, nil
}

// Get loads the session, lazily expiring it when the deadline has passed.
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfOverdue(ctx, sess)
}

func (s *Service) List(ctx context.Context, agentDID string, state State, limit int) ([]*Session, error) {
	return s.store.List(ctx, agentDID, state, limit)
}

// Counter appends a counter-proposal. Actors must alternate, the round
// budget must hold, and convergence only ever moves up.
func (s *Service) Counter(ctx context.Context, id, actor string, proposal map[string]interface{}) (*Session, error) {
	sess, err := s.loadLive(ctx, id, actor, "counter")
	if err != nil {
		return nil, err
	}
	if sess.LastActor() == actor {
		return nil, ErrSameParty
	}
	if len(sess.Rounds)+1 > sess.MaxRounds {
		return nil, ErrMaxRounds
	}

	fromState, fromUpdated := sess.State, sess.UpdatedAt
	now := s.now().UTC()

	if score, ok := convergence(sess.CurrentProposal, proposal); ok && score > sess.Convergence {
		sess.Convergence = score
	}
	sess.Rounds = append(sess.Rounds, Round{Actor: actor, Proposal: proposal, At: now})
	sess.CurrentProposal = proposal
	switch sess.State {
	case StateInitiated:
		sess.State = StateProposed
	default:
		sess.State = StateCounterProposed
	}
	sess.UpdatedAt = now

	if err := s.store.Update(ctx, sess, fromState, fromUpdated); err != nil {
		return nil, err
	}
	return sess, nil
}

// Accept closes the bargaining. The acceptor must be the peer that did not
// make the latest proposal; when the proposal carries a price, the
// initiator's credits are reserved before the state moves.
func (s *Service) Accept(ctx context.Context, id, actor string) (*Session, error) {
	sess, err := s.loadLive(ctx, id, actor, "accept")
	if err != nil {
		return nil, err
	}
	if sess.LastActor() == actor {
		return nil, ErrSameParty
	}

	fromState, fromUpdated := sess.State, sess.UpdatedAt

	if amount := priceAtomic(sess.CurrentProposal); amount > 0 && s.credits.Enabled() {
		if _, err := s.credits.Reserve(ctx, sess.Initiator, amount, "neg:"+sess.ID); err != nil {
			return nil, fmt.Errorf("reserve %d for session %s: %w", amount, sess.ID, err)
		}
		sess.ReservedAtomic = amount
	}

	sess.State = StateAccepted
	sess.FinalProposal = sess.CurrentProposal
	sess.UpdatedAt = s.now().UTC()

	if err := s.store.Update(ctx, sess, fromState, fromUpdated); err != nil {
		// The reservation stands; settlement or manual release reconciles
		// it. The idempotency ref prevents double reservation on retry.
		return nil, err
	}
	s.log.Info("negotiation accepted", "session", sess.ID, "reserved", sess.ReservedAtomic)
	return sess, nil
}

// Reject terminates the session from any non-terminal state.
func (s *Service) Reject(ctx context.Context, id, actor string) (*Session, error) {
	sess, err := s.loadLive(ctx, id, actor, "reject")
	if err != nil {
		return nil, err
	}
	fromState, fromUpdated := sess.State, sess.UpdatedAt
	sess.State = StateRejected
	sess.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, sess, fromState, fromUpdated); err != nil {
		return nil, err
	}
	return sess, nil
}

// Settle executes the accepted bargain: the reservation is released as
// spent, the incentive split distributes the amount, and a pending task
// receipt is issued for the provider's work.
func (s *Service) Settle(ctx context.Context, id, actor string, p *SettleParams) (*Session, *receipts.Receipt, error) {
	if p == nil {
		p = &SettleParams{}
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !sess.Participant(actor) {
		return nil, nil, ErrNotParticipant
	}
	if sess.State != StateAccepted {
		return nil, nil, &TransitionError{State: sess.State, Action: "settle"}
	}

	split := sess.Split
	if p.Split != nil {
		split = *p.Split
	}
	if err := split.Validate(); err != nil {
		return nil, nil, err
	}

	fromState, fromUpdated := sess.State, sess.UpdatedAt
	amount := sess.ReservedAtomic

	// A retried settlement replays the ledger writes; the idempotency refs
	// make the duplicates no-ops so a failure after Release is recoverable.
	if amount > 0 && s.credits.Enabled() {
		_, err := s.credits.Release(ctx, sess.Initiator, amount, amount, "neg:"+sess.ID)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return nil, nil, fmt.Errorf("release reservation for session %s: %w", sess.ID, err)
		}
		if err := s.distribute(ctx, sess, amount, split, p); err != nil {
			return nil, nil, err
		}
	}

	receipt, err := s.createReceipt(ctx, sess, amount, p)
	if err != nil {
		return nil, nil, err
	}

	sess.Split = split
	sess.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, sess, fromState, fromUpdated); err != nil {
		return nil, nil, err
	}
	s.log.Info("negotiation settled", "session", sess.ID, "amount", amount, "receipt", receipt.ID)
	return sess, receipt, nil
}

// distribute applies the incentive split with integer flooring; the
// remainder accrues to the pool share.
func (s *Service) distribute(ctx context.Context, sess *Session, amount int64, split Split, p *SettleParams) error {
	agentShare := int64(float64(amount) * split.Agent)
	brokerShare := int64(float64(amount) * split.Broker)
	validatorShare := int64(float64(amount) * split.Validator)
	poolShare := amount - agentShare - brokerShare - validatorShare

	validatorDID := p.ValidatorDID
	if validatorDID == "" {
		// No validator named; its share joins the pool.
		poolShare += validatorShare
		validatorShare = 0
	}

	meta := map[string]interface{}{"session_id": sess.ID}
	if p.UsefulnessProofID != "" {
		meta["usefulness_proof_id"] = p.UsefulnessProofID
	}

	payouts := []struct {
		did    string
		amount int64
		role   string
	}{
		{sess.Responder, agentShare, "agent"},
		{s.opts.BrokerDID, brokerShare, "broker"},
		{validatorDID, validatorShare, "validator"},
		{s.opts.PoolDID, poolShare, "pool"},
	}
	for _, payout := range payouts {
		if payout.amount <= 0 || payout.did == "" {
			continue
		}
		if _, err := s.credits.EnsureAccount(ctx, payout.did, 0); err != nil {
			return fmt.Errorf("open %s account: %w", payout.role, err)
		}
		roleMeta := map[string]interface{}{"role": payout.role}
		for k, v := range meta {
			roleMeta[k] = v
		}
		_, err := s.credits.Earn(ctx, payout.did, payout.amount, ledger.TxEarn,
			"settle:"+sess.ID+":"+payout.role, p.UsefulnessProofID, roleMeta)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return fmt.Errorf("distribute %s share: %w", payout.role, err)
		}
	}
	return nil
}

func (s *Service) createReceipt(ctx context.Context, sess *Session, amount int64, p *SettleParams) (*receipts.Receipt, error) {
	// One receipt per session: a retried settlement returns the receipt
	// issued on the first attempt.
	existing, err := s.receipts.ByPaymentRef(ctx, "neg:"+sess.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, receipts.ErrNotFound) {
		return nil, err
	}
	return s.receipts.Create(ctx, &receipts.CreateParams{
		IntentID:     sess.IntentID,
		AgentDID:     sess.Responder,
		ClientDID:    sess.Initiator,
		IntentType:   "NEGOTIATED_TASK",
		OutputsRef:   p.OutputsRef,
		Metrics:      p.Metrics,
		PaymentRef:   "neg:" + sess.ID,
		AmountAtomic: amount,
	})
}

// loadLive loads the session and applies the common mutation guards.
func (s *Service) loadLive(ctx context.Context, id, actor, action string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(actor) {
		return nil, ErrNotParticipant
	}
	if sess.State.Terminal() {
		return nil, &TransitionError{State: sess.State, Action: action}
	}
	if sess.Overdue(s.now()) {
		if _, err := s.expireIfOverdue(ctx, sess); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	return sess, nil
}

// expireIfOverdue moves an overdue non-terminal session to expired and
// notifies both parties.
func (s *Service) expireIfOverdue(ctx context.Context, sess *Session) (*Session, error) {
	if sess.State.Terminal() || !sess.Overdue(s.now()) {
		return sess, nil
	}
	fromState, fromUpdated := sess.State, sess.UpdatedAt
	sess.State = StateExpired
	sess.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, sess, fromState, fromUpdated); err != nil {
		// Lost the race to another expirer; reload the settled truth.
		return s.store.Get(ctx, sess.ID)
	}
	s.notifyExpired(ctx, sess)
	return sess, nil
}

func (s *Service) notifyExpired(ctx context.Context, sess *Session) {
	if s.broker == nil {
		return
	}
	note, err := json.Marshal(map[string]string{
		"type":       "negotiation_expired",
		"session_id": sess.ID,
		"intent_id":  sess.IntentID,
	})
	if err != nil {
		return
	}
	for _, did := range []string{sess.Initiator, sess.Responder} {
		subject := stream.Subject(stream.CategoryNegotiations, did)
		if _, err := s.broker.Publish(ctx, subject, note); err != nil {
			s.log.Warn("expiry notification failed", "session", sess.ID, "subject", subject, "error", err)
		}
	}
}
