package identity

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims carry the authenticated agent DID inside broker session tokens.
type SessionClaims struct {
	jwt.RegisteredClaims
	DID string `json:"did"`
}

// TokenSigner mints and verifies EdDSA session tokens. Rotation keeps old
// keys available for verification until they age out.
type TokenSigner struct {
	mu         sync.RWMutex
	currentKID string
	keys       map[string]ed25519.PrivateKey
	issuer     string
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenSigner derives the initial signing key from the master secret so
// tokens survive a restart of a single-node broker.
func NewTokenSigner(secret *MasterSecret, issuer string, ttl time.Duration) (*TokenSigner, error) {
	kp, err := secret.SigningKeyPair("session-tokens/v1")
	if err != nil {
		return nil, fmt.Errorf("token signer: %w", err)
	}
	return &TokenSigner{
		currentKID: "v1",
		keys:       map[string]ed25519.PrivateKey{"v1": kp.Private},
		issuer:     issuer,
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// WithClock overrides the time source for deterministic tests.
func (s *TokenSigner) WithClock(now func() time.Time) *TokenSigner {
	s.now = now
	return s
}

// Rotate installs a fresh random signing key. Previously issued tokens keep
// verifying against their kid until evicted.
func (s *TokenSigner) Rotate() error {
	kp, err := Generate()
	if err != nil {
		return fmt.Errorf("rotate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kid := fmt.Sprintf("v1-%d", s.now().UnixNano())
	s.keys[kid] = kp.Private
	s.currentKID = kid

	if len(s.keys) > 10 {
		for k := range s.keys {
			if k != kid {
				delete(s.keys, k)
				break
			}
		}
	}
	return nil
}

// Mint issues a session token for the given agent DID.
func (s *TokenSigner) Mint(ctx context.Context, did string) (string, error) {
	if _, err := ParseDID(did); err != nil {
		return "", err
	}

	s.mu.RLock()
	key := s.keys[s.currentKID]
	kid := s.currentKID
	s.mu.RUnlock()
	if key == nil {
		return "", fmt.Errorf("no active signing key")
	}

	now := s.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   did,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		DID: did,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc resolves verification keys by the token's kid header.
func (s *TokenSigner) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in header")
		}

		s.mu.RLock()
		defer s.mu.RUnlock()
		key, exists := s.keys[kid]
		if !exists {
			return nil, fmt.Errorf("key not found: %s", kid)
		}
		return key.Public(), nil
	}
}

// VerifyToken parses a session token and returns the embedded DID.
func (s *TokenSigner) VerifyToken(tokenString string) (string, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, s.KeyFunc(),
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	if !token.Valid || claims.DID == "" {
		return "", fmt.Errorf("verify token: invalid claims")
	}
	return claims.DID, nil
}
