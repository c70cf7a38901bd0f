package routing

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/gateway"
	"github.com/ainp-labs/broker/pkg/guard"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/mail"
	"github.com/ainp-labs/broker/pkg/stream"
)

type recordingPusher struct {
	mu     sync.Mutex
	pushes map[string][]*gateway.Event
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{pushes: make(map[string][]*gateway.Event)}
}

func (p *recordingPusher) Push(did string, ev *gateway.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes[did] = append(p.pushes[did], ev)
	return true
}

func (p *recordingPusher) count(did string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pushes[did])
}

type fixture struct {
	router *Router
	broker *stream.MemoryBroker
	mail   *mail.SQLStore
	disco  *discovery.Service
	pusher *recordingPusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	mailStore := mail.NewSQLStore(db)
	require.NoError(t, mailStore.Init(context.Background()))

	credits := ledger.NewService(ledger.NewMemoryStore(), true, nil)
	disco := discovery.NewService(discovery.NewMemoryStore(), discovery.MemoryEmbedder{}, credits, nil,
		discovery.Options{Weights: discovery.ClassicWeights, SimilarityThreshold: 0.2}, nil)

	pipeline := guard.NewPipeline(
		guard.Options{ReplayEnabled: true, TTLEnabled: true, ClockSkew: time.Minute},
		guard.NewMemoryReplayCache(time.Hour),
		guard.NewMemoryDedupeCache(time.Hour),
		guard.NewMemoryGreylist(time.Minute, time.Hour),
		guard.NewMemoryRateLimiter(time.Minute, 1000),
		mailStore, credits, nil, nil)

	broker := stream.NewMemoryBroker()
	pusher := newRecordingPusher()

	router := NewRouter(
		envelope.NewValidator(nil), envelope.NewVerifier(true),
		pipeline, disco, mailStore, broker, pusher, Options{}, nil)
	router.WithSleep(func(time.Duration) {})

	return &fixture{router: router, broker: broker, mail: mailStore, disco: disco, pusher: pusher}
}

func signedIntent(t *testing.T, from *identity.KeyPair, to string, intent *envelope.IntentPayload) *envelope.Envelope {
	t.Helper()
	raw, err := json.Marshal(intent)
	require.NoError(t, err)
	env := envelope.New(from.DID, envelope.MsgIntent, raw, 5*time.Minute)
	env.ToDID = to
	require.NoError(t, envelope.Sign(env, from))
	return env
}

func TestRouteDirectIntentHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	env := signedIntent(t, alice, bob.DID, &envelope.IntentPayload{
		IntentType: envelope.IntentMessage,
		Subject:    "hi",
		Body:       "hello bob",
		Semantics:  &envelope.Semantics{ConversationID: "conv-1"},
	})

	res, err := f.router.Route(ctx, nil, env)
	require.NoError(t, err)
	assert.Equal(t, "routed", res.Status)
	assert.Equal(t, 1, res.AgentCount)
	assert.False(t, res.Degraded)

	entries := f.broker.Entries(stream.Subject(stream.CategoryIntents, bob.DID))
	require.Len(t, entries, 1)

	msg, err := f.mail.Message(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, alice.DID, msg.Sender)
	assert.Equal(t, "conv-1", msg.ConversationID)

	thread, _, err := f.mail.Thread(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Equal(t, 1, thread.UnreadCount)

	assert.Equal(t, 1, f.pusher.count(bob.DID))
}

func TestRouteReplayAnsweredIdempotently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	env := signedIntent(t, alice, bob.DID, &envelope.IntentPayload{
		IntentType: envelope.IntentMessage,
		Body:       "once only",
		Semantics:  &envelope.Semantics{ConversationID: "conv-1"},
	})

	first, err := f.router.Route(ctx, nil, env)
	require.NoError(t, err)

	// Resubmission inside the replay window returns the original answer and
	// causes no new stream, mail, or socket side effects.
	second, err := f.router.Route(ctx, nil, env)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Len(t, f.broker.Entries(stream.Subject(stream.CategoryIntents, bob.DID)), 1)
	thread, _, err := f.mail.Thread(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.Equal(t, 1, f.pusher.count(bob.DID))
}

func TestRouteViaDiscovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := identity.Generate()
	require.NoError(t, err)
	worker, err := identity.Generate()
	require.NoError(t, err)

	require.NoError(t, f.disco.Register(ctx, &discovery.Registration{
		AgentDID: worker.DID,
		Capabilities: []*discovery.Capability{{
			Description: "summarize long documents",
			Tags:        []string{"nlp", "summarize"},
			Version:     "1.0.0",
		}},
	}))

	env := signedIntent(t, alice, "", &envelope.IntentPayload{
		IntentType: envelope.IntentTaskRequest,
		Discovery:  &envelope.DiscoveryQuery{Description: "summarize long documents"},
	})

	res, err := f.router.Route(ctx, nil, env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.AgentCount)
	assert.Len(t, f.broker.Entries(stream.Subject(stream.CategoryIntents, worker.DID)), 1)

	// TASK_REQUEST is not mail-producing.
	_, err = f.mail.Message(ctx, env.ID)
	assert.ErrorIs(t, err, mail.ErrMessageNotFound)
}

func TestRouteDiscoveryZeroMatches(t *testing.T) {
	f := newFixture(t)
	alice, err := identity.Generate()
	require.NoError(t, err)

	env := signedIntent(t, alice, "", &envelope.IntentPayload{
		IntentType: envelope.IntentTaskRequest,
		Discovery:  &envelope.DiscoveryQuery{Tags: []string{"no-such-tag"}},
	})

	res, err := f.router.Route(context.Background(), nil, env)
	require.NoError(t, err)
	assert.Equal(t, "routed", res.Status)
	assert.Equal(t, 0, res.AgentCount)
}

func TestRouteUnroutable(t *testing.T) {
	f := newFixture(t)
	alice, err := identity.Generate()
	require.NoError(t, err)

	raw, _ := json.Marshal(map[string]any{"ok": true})
	env := envelope.New(alice.DID, envelope.MsgResult, raw, time.Minute)
	require.NoError(t, envelope.Sign(env, alice))

	_, err = f.router.Route(context.Background(), nil, env)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestRouteBadSignature(t *testing.T) {
	f := newFixture(t)
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	env := signedIntent(t, alice, bob.DID, &envelope.IntentPayload{
		IntentType: envelope.IntentMessage,
		Body:       "original",
	})
	// Tamper after signing.
	env.Payload = json.RawMessage(`{"intent_type":"MESSAGE","body":"tampered"}`)

	_, err = f.router.Route(context.Background(), nil, env)
	assert.ErrorIs(t, err, envelope.ErrBadSignature)
}

func TestRouteStreamDownAfterRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	f.broker.Fail(true)
	env := signedIntent(t, alice, bob.DID, &envelope.IntentPayload{
		IntentType: envelope.IntentMessage,
		Body:       "never delivered",
		Semantics:  &envelope.Semantics{ConversationID: "conv-x"},
	})

	_, err = f.router.Route(ctx, nil, env)
	assert.ErrorIs(t, err, ErrStreamDown)

	// The mail row is not written when the stream write fails.
	_, merr := f.mail.Message(ctx, env.ID)
	assert.ErrorIs(t, merr, mail.ErrMessageNotFound)
	assert.Zero(t, f.pusher.count(bob.DID))
}
