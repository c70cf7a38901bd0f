package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/ainp-labs/broker/pkg/envelope"
	"github.com/ainp-labs/broker/pkg/ledger"
)

// Options select and tune the sub-policies.
type Options struct {
	ReplayEnabled        bool
	TTLEnabled           bool
	ContentDedupeEnabled bool
	GreylistEnabled      bool
	PostageEnabled       bool
	RateLimitEnabled     bool

	ClockSkew           time.Duration
	PostageAmountAtomic int64
}

// Pipeline wires the sub-policies in their fixed order: replay → ttl/skew →
// content dedupe → greylist → postage → rate limit.
type Pipeline struct {
	opts     Options
	replay   ReplayCache
	dedupe   DedupeCache
	greylist Greylist
	limiter  RateLimiter
	contacts ContactPolicy
	credits  *ledger.Service
	payments PaymentChallenger
	log      *slog.Logger
	now      func() time.Time
}

func NewPipeline(opts Options, replay ReplayCache, dedupe DedupeCache, grey Greylist, limiter RateLimiter, contacts ContactPolicy, credits *ledger.Service, payments PaymentChallenger, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		opts:     opts,
		replay:   replay,
		dedupe:   dedupe,
		greylist: grey,
		limiter:  limiter,
		contacts: contacts,
		credits:  credits,
		payments: payments,
		log:      log.With("component", "guard"),
		now:      time.Now,
	}
}

// WithClock injects a deterministic time source for tests.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Admit runs the envelope through every enabled policy. A nil error means
// the envelope may be routed; the Verdict carries the degraded flag and, on
// a replay hit, the original routing answer.
func (p *Pipeline) Admit(ctx context.Context, env *envelope.Envelope) (*Verdict, error) {
	v := &Verdict{}

	if p.opts.ReplayEnabled {
		cached, seen, err := p.replay.Check(ctx, env.ID)
		if err != nil {
			p.log.Warn("replay cache unavailable", "envelope", env.ID, "error", err)
			v.Degraded = true
		} else if seen {
			if cached != nil {
				v.ReplayedResult = cached
				return v, nil
			}
			return nil, &Rejection{Policy: PolicyReplay, Err: ErrDuplicate}
		}
	}

	if p.opts.TTLEnabled {
		now := p.now()
		if env.Expired(now) || env.FromFuture(now, p.opts.ClockSkew) {
			return nil, &Rejection{Policy: PolicyTTL, Err: ErrExpiredOrFuture}
		}
	}

	intent := mailIntent(env)

	// The body hash is only committed once every downstream policy has
	// passed: a greylisted or postage-rejected first attempt must not
	// poison the compliant resend.
	var bodyHash string
	if p.opts.ContentDedupeEnabled && intent != nil {
		bodyHash = BodyHash(intent.Body)
		seen, err := p.dedupe.Seen(ctx, bodyHash)
		if err != nil {
			p.log.Warn("dedupe cache unavailable", "envelope", env.ID, "error", err)
			v.Degraded = true
		} else if seen {
			return nil, &Rejection{Policy: PolicyDedupe, Err: ErrDuplicateContent}
		}
	}

	if p.opts.GreylistEnabled && intent != nil && env.ToDID != "" {
		mutual, err := p.contacts.Mutual(ctx, env.FromDID, env.ToDID)
		if err != nil {
			p.log.Warn("contact lookup failed", "envelope", env.ID, "error", err)
			v.Degraded = true
			mutual = false
		}
		if !mutual {
			wait, err := p.greylist.Check(ctx, env.FromDID, env.ToDID)
			if err != nil {
				p.log.Warn("greylist unavailable", "envelope", env.ID, "error", err)
				v.Degraded = true
			} else if wait > 0 {
				return nil, &Rejection{Policy: PolicyGreylist, Err: ErrTooEarly, RetryAfter: wait}
			}
		}
	}

	if p.opts.PostageEnabled && p.credits.Enabled() && intent != nil && env.ToDID != "" {
		if err := p.chargePostage(ctx, env); err != nil {
			return nil, err
		}
	}

	if p.opts.RateLimitEnabled {
		ok, retryAfter, degraded, err := p.limiter.Allow(ctx, env.FromDID)
		if err != nil {
			p.log.Warn("rate limiter failed", "sender", env.FromDID, "error", err)
			v.Degraded = true
		} else {
			if degraded {
				v.Degraded = true
			}
			if !ok {
				return nil, &Rejection{Policy: PolicyRateLimit, Err: ErrRateLimited, RetryAfter: retryAfter}
			}
		}
	}

	if bodyHash != "" {
		if err := p.dedupe.Mark(ctx, bodyHash); err != nil {
			p.log.Warn("dedupe cache write failed", "envelope", env.ID, "error", err)
			v.Degraded = true
		}
	}

	return v, nil
}

// RememberResult records the routing answer for the envelope id so replays
// are answered idempotently.
func (p *Pipeline) RememberResult(ctx context.Context, envelopeID string, result []byte) {
	if !p.opts.ReplayEnabled {
		return
	}
	if err := p.replay.Remember(ctx, envelopeID, result); err != nil {
		p.log.Warn("replay cache write failed", "envelope", envelopeID, "error", err)
	}
}

func (p *Pipeline) chargePostage(ctx context.Context, env *envelope.Envelope) error {
	exempt, err := p.contacts.Exempt(ctx, env.FromDID, env.ToDID)
	if err != nil {
		p.log.Warn("allowlist lookup failed", "envelope", env.ID, "error", err)
	}
	if exempt {
		return nil
	}

	_, err = p.credits.Spend(ctx, env.FromDID, p.opts.PostageAmountAtomic, "postage:"+env.ID,
		map[string]interface{}{"reason": "postage", "recipient": env.ToDID})
	if errors.Is(err, ledger.ErrDuplicateTransaction) {
		// Postage for this envelope was already charged on a prior attempt.
		return nil
	}
	if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrAccountNotFound) {
		rej := &Rejection{Policy: PolicyPostage, Err: ErrPaymentRequired}
		if p.payments != nil {
			id, url, cerr := p.payments.CreateChallenge(ctx, env.FromDID, p.opts.PostageAmountAtomic)
			if cerr != nil {
				p.log.Warn("payment challenge creation failed", "sender", env.FromDID, "error", cerr)
			} else {
				rej.PaymentRequestID = id
				rej.PaymentURL = url
			}
		}
		return rej
	}
	if err != nil {
		return fmt.Errorf("charge postage: %w", err)
	}
	return nil
}

// mailIntent returns the parsed intent payload when the envelope is a
// mail-producing INTENT, nil otherwise. The email-facet policies only apply
// to those.
func mailIntent(env *envelope.Envelope) *envelope.IntentPayload {
	if env.MsgType != envelope.MsgIntent {
		return nil
	}
	p, err := env.ParseIntent()
	if err != nil || !envelope.MailProducing(p.IntentType) {
		return nil
	}
	return p
}

// BodyHash is SHA-256 over the NFC-normalized body text, hex encoded. The
// same rule the mail store applies, so dedupe keys and stored body hashes
// agree.
func BodyHash(body string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(body)))
	return hex.EncodeToString(sum[:])
}
