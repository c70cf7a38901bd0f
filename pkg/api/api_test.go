package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/mail"
	"github.com/ainp-labs/broker/pkg/memory"
	"github.com/ainp-labs/broker/pkg/negotiation"
	"github.com/ainp-labs/broker/pkg/payments"
	"github.com/ainp-labs/broker/pkg/receipts"
	"github.com/ainp-labs/broker/pkg/reputation"
	"github.com/ainp-labs/broker/pkg/stream"
	"github.com/ainp-labs/broker/pkg/usefulness"
)

const (
	alice = "did:key:zAlice"
	bob   = "did:key:zBob"
)

const webhookSecret = "hush"

type fixture struct {
	server  *httptest.Server
	mail    *mail.SQLStore
	credits *ledger.MemoryStore
	agents  *discovery.MemoryStore
	auth    *identity.AuthService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	secret, err := identity.NewMasterSecret(strings.Repeat("ef", 32))
	require.NoError(t, err)
	signer, err := identity.NewTokenSigner(secret, "ainp-broker", time.Hour)
	require.NoError(t, err)
	auth := identity.NewAuthService(identity.NewMemoryChallengeStore(5*time.Minute), signer)

	agents := discovery.NewMemoryStore()
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
	disco := discovery.NewService(agents, discovery.MemoryEmbedder{}, creditSvc, nil, discovery.Options{}, nil)

	rep := reputation.NewService(reputation.NewMemoryStore(), 0.2)
	rcpts := receipts.NewService(receipts.NewMemoryStore(),
		receipts.NewSelector(agents, secret), rep, creditSvc, receipts.Options{}, nil)
	negotiations := negotiation.NewService(negotiation.NewMemoryStore(), creditSvc, rcpts,
		stream.NewMemoryBroker(), negotiation.Options{}, nil)

	paySvc := payments.NewService(payments.NewMemoryStore(), creditSvc, payments.Options{
		BaseURL:        "http://broker.test",
		WebhookSecrets: map[string]string{"coinbase": webhookSecret},
	}, nil)

	useSvc := usefulness.NewService(usefulness.NewMemoryStore(), agents, usefulness.Options{}, nil)
	memSvc := memory.NewService(memory.NewMemStore(), discovery.MemoryEmbedder{}, nil)

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)
	mailStore := mail.NewSQLStore(db)
	require.NoError(t, mailStore.Init(ctx))

	srv := NewServer(Deps{
		Discovery:    disco,
		Mail:         mailStore,
		Negotiations: negotiations,
		Receipts:     rcpts,
		Usefulness:   useSvc,
		Payments:     paySvc,
		Memory:       memSvc,
		Credits:      creditSvc,
		Auth:         auth,
		Health: map[string]Pinger{
			"credits": credits.Ping,
		},
	}, &Authenticator{Tokens: signer, AllowDIDHeader: true}, nil)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, mail: mailStore, credits: credits, agents: agents, auth: auth}
}

// do issues a request with the dev DID header and decodes the JSON body.
func (f *fixture) do(t *testing.T, method, path, did string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if did != "" {
		req.Header.Set("X-AINP-DID", did)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRequiresAuthentication(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/mail/inbox", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, body["error"])
}

func TestChallengeTokenLogin(t *testing.T) {
	f := newFixture(t)
	kp, err := identity.Generate()
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/auth/challenge", "", map[string]string{"did": kp.DID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nonce, _ := body["nonce"].(string)
	require.NotEmpty(t, nonce)

	sig := base64.StdEncoding.EncodeToString(identity.Sign(kp.Private, []byte(nonce)))
	resp, body = f.do(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"did": kp.DID, "nonce": nonce, "signature": sig,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/negotiations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestIntentSenderMustMatchCaller(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/intents/send", alice, map[string]interface{}{
		"version": "1.0", "id": "env-1", "from_did": bob, "msg_type": "INTENT",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeDIDMismatch, body["error"])
}

func TestNegotiationLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	_, err := f.credits.CreateAccount(context.Background(), alice, 200_000)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/negotiations", alice, map[string]interface{}{
		"intent_id":        "int-1",
		"responder_did":    bob,
		"initial_proposal": map[string]interface{}{"price": 100.0},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "initiated", body["state"])

	resp, body = f.do(t, http.MethodPost, "/api/negotiations/"+id+"/propose", bob, map[string]interface{}{
		"proposal": map[string]interface{}{"price": 90.0},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "proposed", body["state"])

	// Bob proposed last, so his own accept must bounce.
	resp, body = f.do(t, http.MethodPost, "/api/negotiations/"+id+"/accept", bob, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeSamePartyTwice, body["error"])

	resp, body = f.do(t, http.MethodPost, "/api/negotiations/"+id+"/accept", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", body["state"])

	resp, body = f.do(t, http.MethodGet, "/api/negotiations/"+id, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "accepted", body["state"])

	resp, _ = f.do(t, http.MethodGet, "/api/negotiations/missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOutsiderCannotActOverHTTP(t *testing.T) {
	f := newFixture(t)
	_, body := f.do(t, http.MethodPost, "/api/negotiations", alice, map[string]interface{}{
		"responder_did":    bob,
		"initial_proposal": map[string]interface{}{"price": 10.0},
	})
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	resp, errBody := f.do(t, http.MethodPost, "/api/negotiations/"+id+"/reject", "did:key:zMallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeNotAParticipant, errBody["error"])
}

func TestInboxReadFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mail.Insert(ctx, &mail.Message{
		EnvelopeID:     "env-1",
		ConversationID: "conv-1",
		Sender:         alice,
		Recipients:     []string{bob},
		Subject:        "hello",
		Body:           "first",
		ReceivedAt:     time.Now().UTC(),
	}))

	resp, body := f.do(t, http.MethodGet, "/api/mail/inbox", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs, _ := body["messages"].([]interface{})
	require.Len(t, msgs, 1)

	resp, _ = f.do(t, http.MethodPost, "/api/mail/read", bob, map[string]string{"message_id": "env-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/mail/inbox?unread=true", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs, _ = body["messages"].([]interface{})
	assert.Empty(t, msgs)

	// A third party cannot read someone else's thread.
	resp, errBody := f.do(t, http.MethodGet, "/api/mail/threads/conv-1", "did:key:zMallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeNotAParticipant, errBody["error"])
}

func TestPaymentRequestWebhookSettles(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/payments/requests", alice, map[string]interface{}{
		"amount_atomic": 5_000,
		"method":        "coinbase",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)

	payload, err := json.Marshal(map[string]interface{}{
		"request_id":    id,
		"tx_ref":        "tx-77",
		"amount_atomic": 5_000,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost,
		f.server.URL+"/api/payments/webhooks/coinbase", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(webhookSignatureHeader, payments.SignPayload(webhookSecret, payload))
	hookResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer hookResp.Body.Close()
	require.Equal(t, http.StatusOK, hookResp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/payments/requests/"+id, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", body["status"])

	// Requests are owner-scoped.
	resp, _ = f.do(t, http.MethodGet, "/api/payments/requests/"+id, bob, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"request_id":"r","tx_ref":"t","amount_atomic":1}`)
	req, err := http.NewRequest(http.MethodPost,
		f.server.URL+"/api/payments/webhooks/coinbase", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(webhookSignatureHeader, "deadbeef")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUsefulnessSubmitAndScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vec, err := discovery.MemoryEmbedder{}.Embed(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, f.agents.Register(ctx, &discovery.Registration{
		AgentDID:     alice,
		Capabilities: []*discovery.Capability{{Description: "translation", Embedding: vec}},
	}))

	resp, body := f.do(t, http.MethodPost, "/api/usefulness/proofs", alice, map[string]interface{}{
		"work_type": "compute",
		"metrics":   map[string]float64{"compute_ms": 20_000},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.InDelta(t, 20, body["score"], 1e-9)

	resp, _ = f.do(t, http.MethodPost, "/api/usefulness/aggregate", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/usefulness/agents/"+alice, alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 20, body["score"], 1e-9)
}

func TestMemoryRememberAndSearch(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/memory", alice, map[string]interface{}{
		"conversation_id": "conv-1",
		"content":         "prefers concise answers",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, body["id"])

	resp, body = f.do(t, http.MethodGet, "/api/memory/search?q=prefers+concise+answers", alice, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits, _ := body["hits"].([]interface{})
	require.Len(t, hits, 1)

	// Bob sees nothing: memory is owner-scoped.
	resp, body = f.do(t, http.MethodGet, "/api/memory/search?q=prefers+concise+answers", bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hits, _ = body["hits"].([]interface{})
	assert.Empty(t, hits)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = f.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadinessFailsWhenStoreDown(t *testing.T) {
	srv := NewServer(Deps{
		Health: map[string]Pinger{
			"postgres": func(context.Context) error { return errors.New("connection refused") },
		},
	}, nil, nil)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, CodeNotReady, body.Error)
	assert.Equal(t, "postgres", body.Details["component"])
}
