package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const kdfSalt = "ainp-broker-kdf"

// MasterSecret derives purpose-scoped key material for the broker: the
// committee-selection HMAC key and the session-token signing seed. Deriving
// rather than storing per-purpose keys keeps a single secret in config.
type MasterSecret struct {
	seed []byte
}

// NewMasterSecret wraps a hex-encoded secret of at least 32 bytes.
func NewMasterSecret(hexSeed string) (*MasterSecret, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("master secret: not hex: %w", err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("master secret: need >= 32 bytes, got %d", len(seed))
	}
	return &MasterSecret{seed: seed}, nil
}

// RandomMasterSecret generates an ephemeral secret. Committee selection is
// only reproducible within the process lifetime; use a configured secret in
// production.
func RandomMasterSecret() (*MasterSecret, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("master secret: %w", err)
	}
	return &MasterSecret{seed: seed}, nil
}

// Derive produces n bytes of key material bound to purpose via HKDF-SHA256.
// The same (secret, purpose) pair always yields the same bytes.
func (m *MasterSecret) Derive(purpose string, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, m.seed, []byte(kdfSalt), []byte(purpose))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %q: %w", purpose, err)
	}
	return out, nil
}

// SigningKeyPair derives a deterministic Ed25519 keypair for purpose,
// e.g. the session-token signing key.
func (m *MasterSecret) SigningKeyPair(purpose string) (*KeyPair, error) {
	seed, err := m.Derive(purpose, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return FromSeed(seed)
}
