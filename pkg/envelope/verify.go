package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ainp-labs/broker/pkg/canonical"
	"github.com/ainp-labs/broker/pkg/identity"
)

var (
	// ErrSignatureMissing is returned when a verified pipeline receives an
	// unsigned envelope.
	ErrSignatureMissing = errors.New("signature missing")
	// ErrBadSignature is returned when the signature does not verify over
	// the canonical envelope bytes with the sender's key.
	ErrBadSignature = errors.New("bad signature")
)

func isUnsupportedDID(err error) bool {
	return errors.Is(err, identity.ErrUnsupportedDID)
}

// Verifier checks envelope signatures: canonicalize the envelope as received
// with the signature field removed, SHA-256 it, and Ed25519-verify against
// the key recovered from from_did.
type Verifier struct {
	enabled bool
}

// NewVerifier constructs a Verifier. When enabled is false every envelope
// passes, which only the test profile permits.
func NewVerifier(enabled bool) *Verifier {
	return &Verifier{enabled: enabled}
}

// Enabled reports whether signatures are being checked.
func (v *Verifier) Enabled() bool { return v.enabled }

// VerifyRaw validates the signature of the envelope using the raw wire bytes,
// preserving any extension fields the Envelope struct would drop.
func (v *Verifier) VerifyRaw(raw []byte, env *Envelope) error {
	if !v.enabled {
		return nil
	}
	if env.Signature == "" {
		return ErrSignatureMissing
	}

	pub, err := identity.ParseDID(env.FromDID)
	if err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}

	signing, err := canonical.WithoutField(raw, "signature")
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	if !identity.Verify(pub, signing, sig) {
		return ErrBadSignature
	}
	return nil
}

// Verify validates the signature of an envelope that was constructed
// in-process rather than read off the wire.
func (v *Verifier) Verify(env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return v.VerifyRaw(raw, env)
}

// Sign canonicalizes the envelope without its signature field and signs it
// with the keypair, storing the base64 signature on the envelope.
func Sign(env *Envelope, kp *identity.KeyPair) error {
	if env.FromDID != kp.DID {
		return fmt.Errorf("from_did %q does not match signing key %q", env.FromDID, kp.DID)
	}

	unsigned := env.Clone()
	unsigned.Signature = ""
	raw, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	signing, err := canonical.Transform(raw)
	if err != nil {
		return fmt.Errorf("canonicalize envelope: %w", err)
	}

	env.Signature = base64.StdEncoding.EncodeToString(identity.Sign(kp.Private, signing))
	return nil
}
