package negotiation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/receipts"
	"github.com/ainp-labs/broker/pkg/reputation"
	"github.com/ainp-labs/broker/pkg/stream"
)

const (
	alice = "did:key:zAlice"
	bob   = "did:key:zBob"
	carol = "did:key:zCarol"
)

type fixture struct {
	svc      *Service
	store    *flakyStore
	credits  *ledger.MemoryStore
	receipts *receipts.Service
	broker   *stream.MemoryBroker
	now      time.Time
}

// flakyStore passes through to the memory store but can be armed to fail
// the next Update calls with ErrConflict.
type flakyStore struct {
	Store
	failUpdates int
}

func (s *flakyStore) Update(ctx context.Context, sess *Session, fromState State, fromUpdatedAt time.Time) error {
	if s.failUpdates > 0 {
		s.failUpdates--
		return ErrConflict
	}
	return s.Store.Update(ctx, sess, fromState, fromUpdatedAt)
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	secret, err := identity.NewMasterSecret(strings.Repeat("cd", 32))
	require.NoError(t, err)

	agents := discovery.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		did := fmt.Sprintf("did:key:zAuditor%d", i)
		vec, err := discovery.MemoryEmbedder{}.Embed(ctx, did)
		require.NoError(t, err)
		require.NoError(t, agents.Register(ctx, &discovery.Registration{
			AgentDID: did,
			Capabilities: []*discovery.Capability{{
				Description: "auditing", Embedding: vec,
			}},
		}))
	}

	credits := ledger.NewMemoryStore()
	creditSvc := ledger.NewService(credits, true, nil)
	rep := reputation.NewService(reputation.NewMemoryStore(), 0.2)
	rcpts := receipts.NewService(receipts.NewMemoryStore(),
		receipts.NewSelector(agents, secret), rep, creditSvc, receipts.Options{}, nil)
	broker := stream.NewMemoryBroker()

	f := &fixture{
		store:    &flakyStore{Store: NewMemoryStore()},
		credits:  credits,
		receipts: rcpts,
		broker:   broker,
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, creditSvc, rcpts, broker, opts, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) fund(t *testing.T, did string, atomic int64) {
	t.Helper()
	_, err := f.credits.CreateAccount(context.Background(), did, atomic)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, did string) *ledger.Account {
	t.Helper()
	acct, err := f.credits.GetAccount(context.Background(), did)
	require.NoError(t, err)
	return acct
}

// Alice opens at 100 credits, Bob counters 80, Alice counters 90, Bob
// accepts, Alice settles. Checks the state walk, convergence monotonicity,
// the 90,000-atomic reservation, and the 70/10/10/10 distribution.
func TestBargainAcceptSettle(t *testing.T) {
	f := newFixture(t, Options{BrokerDID: "did:ainp:broker", PoolDID: "did:ainp:pool"})
	ctx := context.Background()
	f.fund(t, alice, 200_000)

	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob,
		map[string]interface{}{"price": 100.0, "deadline_ms": 60_000.0}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, sess.State)
	assert.Zero(t, sess.Convergence)

	sess, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0, "deadline_ms": 60_000.0})
	require.NoError(t, err)
	assert.Equal(t, StateProposed, sess.State)
	assert.InDelta(t, 0.9, sess.Convergence, 1e-9, "mean of price term 0.8 and unchanged deadline 1.0")

	prior := sess.Convergence
	sess, err = f.svc.Counter(ctx, sess.ID, alice, map[string]interface{}{"price": 90.0, "deadline_ms": 60_000.0})
	require.NoError(t, err)
	assert.Equal(t, StateCounterProposed, sess.State)
	assert.GreaterOrEqual(t, sess.Convergence, prior, "convergence never regresses")
	assert.InDelta(t, 0.9375, sess.Convergence, 1e-9)

	sess, err = f.svc.Accept(ctx, sess.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, sess.State)
	assert.EqualValues(t, 90_000, sess.ReservedAtomic)
	assert.Equal(t, sess.CurrentProposal, sess.FinalProposal)
	assert.EqualValues(t, 90_000, f.account(t, alice).Reserved)

	sess, receipt, err := f.svc.Settle(ctx, sess.ID, alice, &SettleParams{ValidatorDID: carol})
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, sess.State)

	payer := f.account(t, alice)
	assert.EqualValues(t, 110_000, payer.Balance)
	assert.EqualValues(t, 90_000, payer.Spent)
	assert.Zero(t, payer.Reserved)

	assert.EqualValues(t, 63_000, f.account(t, bob).Balance)
	assert.EqualValues(t, 9_000, f.account(t, "did:ainp:broker").Balance)
	assert.EqualValues(t, 9_000, f.account(t, carol).Balance)
	assert.EqualValues(t, 9_000, f.account(t, "did:ainp:pool").Balance)

	require.NotNil(t, receipt)
	assert.Equal(t, receipts.StatusPending, receipt.Status)
	assert.Equal(t, bob, receipt.AgentDID)
	assert.Equal(t, alice, receipt.ClientDID)
	assert.EqualValues(t, 90_000, receipt.AmountAtomic)
}

// A settlement that loses the session CAS after the ledger writes applied
// must be retryable: the duplicate release and payouts are no-ops and the
// retry reuses the receipt issued on the first attempt.
func TestSettleRetryAfterConflict(t *testing.T) {
	f := newFixture(t, Options{BrokerDID: "did:ainp:broker", PoolDID: "did:ainp:pool"})
	ctx := context.Background()
	f.fund(t, alice, 200_000)

	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 90.0}, 10, 0)
	require.NoError(t, err)
	sess, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 90.0})
	require.NoError(t, err)
	sess, err = f.svc.Accept(ctx, sess.ID, alice)
	require.NoError(t, err)
	require.EqualValues(t, 90_000, sess.ReservedAtomic)

	f.store.failUpdates = 1
	_, _, err = f.svc.Settle(ctx, sess.ID, alice, &SettleParams{ValidatorDID: carol})
	require.ErrorIs(t, err, ErrConflict)

	// The ledger writes of the failed attempt already landed.
	assert.Zero(t, f.account(t, alice).Reserved)
	assert.EqualValues(t, 90_000, f.account(t, alice).Spent)

	sess, receipt, err := f.svc.Settle(ctx, sess.ID, alice, &SettleParams{ValidatorDID: carol})
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, StateAccepted, sess.State)

	// Exactly one distribution despite the replayed release and payouts.
	assert.EqualValues(t, 110_000, f.account(t, alice).Balance)
	assert.EqualValues(t, 63_000, f.account(t, bob).Balance)
	assert.EqualValues(t, 9_000, f.account(t, carol).Balance)
	assert.EqualValues(t, 9_000, f.account(t, "did:ainp:broker").Balance)
	assert.EqualValues(t, 9_000, f.account(t, "did:ainp:pool").Balance)

	// One receipt per session: another settle returns the same receipt.
	again, receipt2, err := f.svc.Settle(ctx, sess.ID, bob, nil)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, receipt2.ID)
	assert.Equal(t, StateAccepted, again.State)

	issued, err := f.receipts.ByPaymentRef(ctx, "neg:"+sess.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, issued.ID)
}

func TestSelfNegotiationRejected(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Initiate(context.Background(), "int-1", alice, alice,
		map[string]interface{}{"price": 10.0}, 0, 0)
	assert.ErrorIs(t, err, ErrSameParty)
}

func TestCountersMustAlternate(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)

	_, err = f.svc.Counter(ctx, sess.ID, alice, map[string]interface{}{"price": 95.0})
	assert.ErrorIs(t, err, ErrSameParty, "initiator holds the latest proposal")

	_, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0})
	require.NoError(t, err)
	_, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 70.0})
	assert.ErrorIs(t, err, ErrSameParty)
}

func TestAcceptByLatestProposerRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)
	sess, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, sess.ID, bob)
	assert.ErrorIs(t, err, ErrSameParty, "the side holding the latest proposal cannot accept it")
}

func TestRoundLimit(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 2, 0)
	require.NoError(t, err)

	_, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0})
	require.NoError(t, err)
	_, err = f.svc.Counter(ctx, sess.ID, alice, map[string]interface{}{"price": 90.0})
	assert.ErrorIs(t, err, ErrMaxRounds)
}

func TestOutsiderCannotAct(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)

	_, err = f.svc.Counter(ctx, sess.ID, carol, map[string]interface{}{"price": 1.0})
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = f.svc.Reject(ctx, sess.ID, carol)
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestAcceptWithoutFunds(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.fund(t, alice, 5_000)

	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, sess.ID, bob)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	sess, err = f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateInitiated, sess.State, "failed reservation leaves the state untouched")
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)
	sess, err = f.svc.Reject(ctx, sess.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, sess.State)

	_, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateRejected, te.State)
}

func TestLazyExpiryNotifiesBothParties(t *testing.T) {
	f := newFixture(t, Options{TTL: time.Minute})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)

	_, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0})
	assert.ErrorIs(t, err, ErrExpired)

	sess, err = f.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, sess.State)

	for _, did := range []string{alice, bob} {
		entries := f.broker.Entries(stream.Subject(stream.CategoryNegotiations, did))
		require.Len(t, entries, 1, "expiry notification for %s", did)
		assert.Contains(t, string(entries[0].Data), "negotiation_expired")
	}
}

func TestSweeperExpiresOverdueSessions(t *testing.T) {
	f := newFixture(t, Options{TTL: time.Minute})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	NewSweeper(f.svc, time.Minute, nil).cycle(ctx)

	sess, err = f.svc.store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, sess.State)
}

func TestConvergenceIgnoresNonNumericTerms(t *testing.T) {
	score, ok := convergence(
		map[string]interface{}{"price": 100.0, "currency": "credits"},
		map[string]interface{}{"price": 100.0, "currency": "usd"},
	)
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-9, "only the unchanged price counts")

	_, ok = convergence(
		map[string]interface{}{"currency": "credits"},
		map[string]interface{}{"currency": "usd"},
	)
	assert.False(t, ok, "no shared numeric terms")
}

func TestStoreUpdateDetectsConcurrentChange(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	sess, err := f.svc.Initiate(ctx, "int-1", alice, bob, map[string]interface{}{"price": 100.0}, 0, 0)
	require.NoError(t, err)

	stale, err := f.svc.store.Get(ctx, sess.ID)
	require.NoError(t, err)

	_, err = f.svc.Counter(ctx, sess.ID, bob, map[string]interface{}{"price": 80.0})
	require.NoError(t, err)

	stale.State = StateRejected
	err = f.svc.store.Update(ctx, stale, StateInitiated, stale.UpdatedAt)
	assert.ErrorIs(t, err, ErrConflict)
}
