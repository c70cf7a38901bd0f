package payments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-labs/broker/pkg/ledger"
)

const owner = "did:key:zOwner"

type fixture struct {
	svc     *Service
	credits *ledger.MemoryStore
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		credits: ledger.NewMemoryStore(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(NewMemoryStore(), ledger.NewService(f.credits, true, nil), Options{
		BaseURL:        "https://broker.example",
		WebhookSecrets: map[string]string{"coinbase": "hush"},
	}, nil).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) webhook(t *testing.T, requestID string, amount int64) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"request_id": requestID, "tx_ref": "tx-1", "amount_atomic": amount,
	})
	require.NoError(t, err)
	return payload, SignPayload("hush", payload)
}

func TestCreateAndGetRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "top-up", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, req.Status)
	assert.Equal(t, "credits", req.Currency)
	assert.Equal(t, f.now.Add(15*time.Minute), req.ExpiresAt)

	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = f.svc.CreateRequest(ctx, owner, 0, MethodCoinbase, "", "", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.svc.CreateRequest(ctx, owner, 1, "wire", "", "", 0)
	assert.ErrorIs(t, err, ErrBadMethod)
}

func TestGetRequestExpiresOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "", time.Minute)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestWebhookSettlesAndDeposits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "", 0)
	require.NoError(t, err)
	payload, sig := f.webhook(t, req.ID, 5_000)

	receipt, err := f.svc.HandleWebhook(ctx, "coinbase", payload, sig)
	require.NoError(t, err)
	assert.Equal(t, req.ID, receipt.RequestID)
	assert.Equal(t, "tx-1", receipt.TxRef)

	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Equal(t, "tx-1", got.ProviderRef)

	acct, err := f.credits.GetAccount(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 5_000, acct.Balance)
}

func TestWebhookRedeliveryDoesNotDoubleCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "", 0)
	require.NoError(t, err)
	payload, sig := f.webhook(t, req.ID, 5_000)

	first, err := f.svc.HandleWebhook(ctx, "coinbase", payload, sig)
	require.NoError(t, err)
	second, err := f.svc.HandleWebhook(ctx, "coinbase", payload, sig)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "redelivery returns the recorded receipt")

	acct, err := f.credits.GetAccount(ctx, owner)
	require.NoError(t, err)
	assert.EqualValues(t, 5_000, acct.Balance)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "", 0)
	require.NoError(t, err)
	payload, _ := f.webhook(t, req.ID, 5_000)

	_, err = f.svc.HandleWebhook(ctx, "coinbase", payload, SignPayload("wrong", payload))
	assert.ErrorIs(t, err, ErrBadSignature)
	_, err = f.svc.HandleWebhook(ctx, "stripe", payload, SignPayload("hush", payload))
	assert.ErrorIs(t, err, ErrUnknownProvider)

	got, err := f.svc.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestWebhookRejectsAmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "", 0)
	require.NoError(t, err)
	payload, sig := f.webhook(t, req.ID, 4_000)

	_, err = f.svc.HandleWebhook(ctx, "coinbase", payload, sig)
	assert.ErrorIs(t, err, ErrAmountMismatch)
}

func TestWebhookOnExpiredRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.svc.CreateRequest(ctx, owner, 5_000, MethodCoinbase, "", "", time.Minute)
	require.NoError(t, err)
	payload, sig := f.webhook(t, req.ID, 5_000)

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.svc.HandleWebhook(ctx, "coinbase", payload, sig)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestCreateChallenge(t *testing.T) {
	f := newFixture(t)
	id, url, err := f.svc.CreateChallenge(context.Background(), owner, 1_000)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "https://broker.example/api/payments/requests/"+id, url)

	req, err := f.svc.GetRequest(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, MethodCredits, req.Method)
	assert.EqualValues(t, 1_000, req.AmountAtomic)
}
