// Package identity implements did:key agent identities, Ed25519 envelope
// signing, and the broker's session-token machinery.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	didKeyPrefix = "did:key:z"

	// Multicodec varint for ed25519-pub, per the did:key method spec.
	multicodecEd25519 = 0xed
	multicodecVarint  = 0x01
)

var (
	// ErrMalformedDID covers syntax errors: bad base58, wrong length,
	// missing multibase prefix.
	ErrMalformedDID = errors.New("malformed DID")
	// ErrUnsupportedDID covers well-formed DIDs the broker cannot verify:
	// non-key methods and non-ed25519 multicodecs.
	ErrUnsupportedDID = errors.New("unsupported DID")
)

// FormatDID encodes an Ed25519 public key as a did:key identifier.
func FormatDID(pub ed25519.PublicKey) string {
	buf := make([]byte, 0, 2+ed25519.PublicKeySize)
	buf = append(buf, multicodecEd25519, multicodecVarint)
	buf = append(buf, pub...)
	return didKeyPrefix + base58.Encode(buf)
}

// ParseDID extracts the Ed25519 public key embedded in a did:key identifier.
func ParseDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, "did:") {
		return nil, fmt.Errorf("%w: %q", ErrMalformedDID, did)
	}
	if !strings.HasPrefix(did, "did:key:") {
		method := strings.SplitN(did, ":", 3)[1]
		return nil, fmt.Errorf("%w: method %q", ErrUnsupportedDID, method)
	}
	tail := strings.TrimPrefix(did, "did:key:")
	if len(tail) < 2 || tail[0] != 'z' {
		return nil, fmt.Errorf("%w: missing base58btc multibase prefix", ErrMalformedDID)
	}

	decoded, err := base58.Decode(tail[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDID, err)
	}
	if len(decoded) != 2+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrMalformedDID, len(decoded), 2+ed25519.PublicKeySize)
	}
	if decoded[0] != multicodecEd25519 || decoded[1] != multicodecVarint {
		return nil, fmt.Errorf("%w: multicodec 0x%02x%02x is not ed25519-pub", ErrUnsupportedDID, decoded[0], decoded[1])
	}

	return ed25519.PublicKey(decoded[2:]), nil
}

// KeyPair binds an agent DID to its Ed25519 keys.
type KeyPair struct {
	DID     string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 keypair and its did:key form.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &KeyPair{DID: FormatDID(pub), Public: pub, Private: priv}, nil
}

// FromSeed derives a keypair deterministically from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{DID: FormatDID(pub), Public: pub, Private: priv}, nil
}

// Sign produces an Ed25519 signature over the SHA-256 digest of msg.
// Envelope signatures use this with the canonical envelope bytes
// (signature field removed) as msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return ed25519.Sign(priv, sum[:])
}

// Verify checks an Ed25519 signature produced by Sign.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	sum := sha256.Sum256(msg)
	return ed25519.Verify(pub, sum[:], sig)
}
