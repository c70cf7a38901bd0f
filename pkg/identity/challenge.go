package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrChallengeInvalid is returned when a nonce is unknown, expired, or
// already redeemed.
var ErrChallengeInvalid = errors.New("challenge invalid or expired")

// ChallengeStore issues single-use nonces bound to a DID. Redeem consumes
// the nonce; a second redeem must fail.
type ChallengeStore interface {
	Issue(ctx context.Context, did string) (string, error)
	Redeem(ctx context.Context, did, nonce string) error
}

func newNonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// MemoryChallengeStore keeps pending challenges in memory. One active
// challenge per DID; issuing again replaces the previous nonce.
type MemoryChallengeStore struct {
	mu      sync.Mutex
	entries map[string]memoryChallenge
	ttl     time.Duration
	now     func() time.Time
}

type memoryChallenge struct {
	nonce     string
	expiresAt time.Time
}

func NewMemoryChallengeStore(ttl time.Duration) *MemoryChallengeStore {
	return &MemoryChallengeStore{
		entries: make(map[string]memoryChallenge),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryChallengeStore) WithClock(now func() time.Time) *MemoryChallengeStore {
	s.now = now
	return s
}

func (s *MemoryChallengeStore) Issue(_ context.Context, did string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Opportunistic sweep keeps the map from accumulating abandoned entries.
	now := s.now()
	for k, v := range s.entries {
		if now.After(v.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.entries[did] = memoryChallenge{nonce: nonce, expiresAt: now.Add(s.ttl)}
	return nonce, nil
}

func (s *MemoryChallengeStore) Redeem(_ context.Context, did, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[did]
	if !ok || s.now().After(entry.expiresAt) {
		return ErrChallengeInvalid
	}
	if subtle.ConstantTimeCompare([]byte(entry.nonce), []byte(nonce)) != 1 {
		return ErrChallengeInvalid
	}
	delete(s.entries, did)
	return nil
}

// RedisChallengeStore backs challenges with Redis so any broker replica can
// redeem a nonce issued by another.
type RedisChallengeStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisChallengeStore(client *redis.Client, ttl time.Duration) *RedisChallengeStore {
	return &RedisChallengeStore{client: client, ttl: ttl}
}

func (s *RedisChallengeStore) key(did string) string { return "ainp:authn:" + did }

func (s *RedisChallengeStore) Issue(ctx context.Context, did string) (string, error) {
	nonce, err := newNonce()
	if err != nil {
		return "", err
	}
	if err := s.client.Set(ctx, s.key(did), nonce, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}
	return nonce, nil
}

func (s *RedisChallengeStore) Redeem(ctx context.Context, did, nonce string) error {
	stored, err := s.client.GetDel(ctx, s.key(did)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrChallengeInvalid
	}
	if err != nil {
		return fmt.Errorf("redeem challenge: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(nonce)) != 1 {
		return ErrChallengeInvalid
	}
	return nil
}

// AuthService implements the challenge-proof login flow: an agent requests a
// nonce for its DID, signs it with the DID's private key, and exchanges the
// signature for a session token.
type AuthService struct {
	challenges ChallengeStore
	signer     *TokenSigner
}

func NewAuthService(challenges ChallengeStore, signer *TokenSigner) *AuthService {
	return &AuthService{challenges: challenges, signer: signer}
}

// Challenge validates the DID and issues a nonce for it.
func (a *AuthService) Challenge(ctx context.Context, did string) (string, error) {
	if _, err := ParseDID(did); err != nil {
		return "", err
	}
	return a.challenges.Issue(ctx, did)
}

// Token redeems a nonce. The signature is base64(Ed25519 over SHA-256(nonce)),
// the same signing rule envelopes use.
func (a *AuthService) Token(ctx context.Context, did, nonce, signatureB64 string) (string, error) {
	pub, err := ParseDID(did)
	if err != nil {
		return "", err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return "", fmt.Errorf("%w: signature not base64", ErrChallengeInvalid)
	}
	if err := a.challenges.Redeem(ctx, did, nonce); err != nil {
		return "", err
	}
	if !Verify(pub, []byte(nonce), sig) {
		return "", fmt.Errorf("%w: signature does not verify", ErrChallengeInvalid)
	}
	return a.signer.Mint(ctx, did)
}
