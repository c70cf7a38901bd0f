package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ainp-labs/broker/pkg/ledger"
)

// Options carry the payment defaults and provider webhook secrets.
type Options struct {
	// BaseURL prefixes the payment link handed out in 402 challenges.
	BaseURL string
	// DefaultTTL bounds how long a request stays payable.
	DefaultTTL time.Duration
	// ChallengeMethod is the rail used for postage challenges.
	ChallengeMethod Method
	// WebhookSecrets maps provider name to its shared HMAC secret.
	WebhookSecrets map[string]string
}

// Service owns the payment request lifecycle. It satisfies the guard's
// PaymentChallenger contract.
type Service struct {
	store   Store
	credits *ledger.Service
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

func NewService(store Store, credits *ledger.Service, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.ChallengeMethod == "" {
		opts.ChallengeMethod = MethodCredits
	}
	return &Service{
		store:   store,
		credits: credits,
		opts:    opts,
		log:     log.With("component", "payments"),
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest opens a payment request owned by the agent.
func (s *Service) CreateRequest(ctx context.Context, ownerDID string, amountAtomic int64, method Method, currency, description string, ttl time.Duration) (*Request, error) {
	if amountAtomic <= 0 {
		return nil, ErrInvalidAmount
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadMethod, method)
	}
	if currency == "" {
		currency = "credits"
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	now := s.now().UTC()
	req := &Request{
		ID:           uuid.NewString(),
		OwnerDID:     ownerDID,
		AmountAtomic: amountAtomic,
		Currency:     currency,
		Method:       method,
		Status:       StatusCreated,
		Description:  description,
		ExpiresAt:    now.Add(ttl),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	s.log.Info("payment request created", "request", req.ID, "owner", ownerDID, "amount", amountAtomic, "method", method)
	return req, nil
}

// GetRequest loads a request, lazily expiring it when the deadline has
// passed.
func (s *Service) GetRequest(ctx context.Context, id string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() || !req.ExpiresAt.Before(s.now()) {
		return req, nil
	}
	now := s.now().UTC()
	if err := s.store.SetStatus(ctx, req.ID, req.Status, StatusExpired, "", now); err != nil {
		// Lost the race to a webhook or another reader.
		return s.store.GetRequest(ctx, id)
	}
	req.Status = StatusExpired
	req.UpdatedAt = now
	return req, nil
}

// CreateChallenge opens the payment request referenced by a 402 postage
// rejection.
func (s *Service) CreateChallenge(ctx context.Context, did string, amountAtomic int64) (string, string, error) {
	req, err := s.CreateRequest(ctx, did, amountAtomic, s.opts.ChallengeMethod, "credits", "postage", 0)
	if err != nil {
		return "", "", err
	}
	return req.ID, s.opts.BaseURL + "/api/payments/requests/" + req.ID, nil
}

// webhookEvent is the provider-agnostic confirmation shape.
type webhookEvent struct {
	RequestID    string `json:"request_id"`
	TxRef        string `json:"tx_ref"`
	AmountAtomic int64  `json:"amount_atomic"`
}

// HandleWebhook settles a request from a provider confirmation. The HMAC
// signature over the raw payload is verified against the provider's shared
// secret before anything is trusted. Settlement deposits into the owner's
// ledger account idempotently keyed by the request id, so redelivered
// webhooks cannot double-credit.
func (s *Service) HandleWebhook(ctx context.Context, provider string, payload []byte, signature string) (*Receipt, error) {
	secret, ok := s.opts.WebhookSecrets[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	if !verifySignature(secret, payload, signature) {
		return nil, ErrBadSignature
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("payments: decode webhook payload: %w", err)
	}

	req, err := s.store.GetRequest(ctx, event.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusPaid {
		// Redelivery of a settled request returns the recorded receipt.
		receipts, err := s.store.ReceiptsByRequest(ctx, req.ID)
		if err != nil || len(receipts) == 0 {
			return nil, ErrAlreadySettled
		}
		return receipts[0], nil
	}
	if req.Status.Terminal() {
		return nil, ErrAlreadySettled
	}
	if req.ExpiresAt.Before(s.now()) {
		_ = s.store.SetStatus(ctx, req.ID, req.Status, StatusExpired, "", s.now().UTC())
		return nil, ErrExpired
	}
	if event.AmountAtomic != req.AmountAtomic {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAmountMismatch, event.AmountAtomic, req.AmountAtomic)
	}

	now := s.now().UTC()
	receipt := &Receipt{
		ID:           uuid.NewString(),
		RequestID:    req.ID,
		Provider:     provider,
		TxRef:        event.TxRef,
		AmountAtomic: event.AmountAtomic,
		ConfirmedAt:  now,
		RawPayload:   payload,
	}
	if err := s.store.InsertReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	if err := s.store.SetStatus(ctx, req.ID, req.Status, StatusPaid, event.TxRef, now); err != nil {
		return nil, err
	}

	if s.credits.Enabled() {
		if _, err := s.credits.EnsureAccount(ctx, req.OwnerDID, 0); err != nil {
			return nil, fmt.Errorf("payments: open owner account: %w", err)
		}
		_, err := s.credits.Deposit(ctx, req.OwnerDID, req.AmountAtomic, req.ID,
			map[string]interface{}{"provider": provider, "tx_ref": event.TxRef})
		if err != nil && !errors.Is(err, ledger.ErrDuplicateTransaction) {
			return nil, fmt.Errorf("payments: deposit for request %s: %w", req.ID, err)
		}
	}
	s.log.Info("payment settled", "request", req.ID, "provider", provider, "amount", req.AmountAtomic)
	return receipt, nil
}

func verifySignature(secret string, payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// SignPayload computes the webhook signature; providers and tests share it.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
