// Package guard runs the anti-abuse pipeline between signature verification
// and routing: replay protection, TTL/skew checks, content dedupe, greylist,
// postage, and sliding-window rate limiting. Every sub-policy is toggleable
// and each rejection names the deciding policy.
package guard

import (
	"context"
	"errors"
	"time"
)

// Policy names recorded on rejections and metrics.
const (
	PolicyReplay    = "replay"
	PolicyTTL       = "ttl"
	PolicyDedupe    = "content_dedupe"
	PolicyGreylist  = "greylist"
	PolicyPostage   = "postage"
	PolicyRateLimit = "rate_limit"
)

var (
	// ErrDuplicate: the envelope id was already processed (409).
	ErrDuplicate = errors.New("duplicate envelope")
	// ErrExpiredOrFuture: the envelope deadline passed or its timestamp
	// is further ahead than the allowed skew (400).
	ErrExpiredOrFuture = errors.New("envelope expired or from the future")
	// ErrDuplicateContent: identical body delivered within the dedupe
	// window (409).
	ErrDuplicateContent = errors.New("duplicate content")
	// ErrTooEarly: greylisted first contact, resend after the delay (425).
	ErrTooEarly = errors.New("greylisted, retry later")
	// ErrPaymentRequired: postage could not be debited (402).
	ErrPaymentRequired = errors.New("postage payment required")
	// ErrRateLimited: sender exceeded the sliding window (429).
	ErrRateLimited = errors.New("rate limited")
)

// Rejection carries the policy verdict to the HTTP layer.
type Rejection struct {
	Policy     string
	Err        error
	RetryAfter time.Duration
	// PaymentRequestID is set on postage rejections so the 402 response
	// can link the payment challenge.
	PaymentRequestID string
	PaymentURL       string
}

func (r *Rejection) Error() string { return r.Policy + ": " + r.Err.Error() }

func (r *Rejection) Unwrap() error { return r.Err }

// Verdict is the pipeline outcome for an allowed envelope.
type Verdict struct {
	// Degraded is true when a best-effort backing store was unavailable
	// and the request proceeded anyway.
	Degraded bool
	// ReplayedResult holds the cached routing answer when the envelope id
	// was seen before and the original response should be replayed.
	ReplayedResult []byte
}

// ReplayCache remembers processed envelope ids along with the routing
// result, so a resubmission inside the window is answered idempotently.
type ReplayCache interface {
	// Check returns the stored result and true when id was seen.
	Check(ctx context.Context, envelopeID string) ([]byte, bool, error)
	// Remember stores the routing result for id with the replay TTL.
	Remember(ctx context.Context, envelopeID string, result []byte) error
}

// DedupeCache tracks recently delivered body hashes. Checking and
// recording are separate so a body rejected by a later policy (greylist,
// postage) is not remembered; only admitted envelopes commit their hash.
type DedupeCache interface {
	// Seen reports whether hash was already recorded.
	Seen(ctx context.Context, hash string) (bool, error)
	// Mark records hash for the dedupe window.
	Mark(ctx context.Context, hash string) error
}

// Greylist implements first-contact delay. Check records the pair on first
// sighting and reports how long the sender must wait before resending; a
// zero wait means the pair has served its delay (or was whitelisted).
type Greylist interface {
	Check(ctx context.Context, sender, recipient string) (wait time.Duration, err error)
}

// RateLimiter is the per-sender sliding window.
type RateLimiter interface {
	// Allow returns ok=false with a retry hint when the window is full.
	// degraded=true means the backing store was down and the request
	// should proceed with the degraded flag set.
	Allow(ctx context.Context, sender string) (ok bool, retryAfter time.Duration, degraded bool, err error)
}

// ContactPolicy answers the contact questions the greylist and postage
// policies ask. Implemented by the mail contact store.
type ContactPolicy interface {
	// Mutual reports whether a and b have consented to each other.
	Mutual(ctx context.Context, a, b string) (bool, error)
	// Exempt reports whether peer is allowlisted or trusted by owner,
	// which waives postage.
	Exempt(ctx context.Context, owner, peer string) (bool, error)
}

// PaymentChallenger creates the payment request referenced by a 402.
type PaymentChallenger interface {
	CreateChallenge(ctx context.Context, did string, amountAtomic int64) (id, url string, err error)
}
