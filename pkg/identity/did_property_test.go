//go:build property
// +build property

package identity_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ainp-labs/broker/pkg/identity"
)

// Property: ParseDID(FormatDID(pub)) recovers pub for every keypair.
func TestDIDRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("did:key round-trips the public key", prop.ForAll(
		func(seed []byte) bool {
			kp, err := identity.FromSeed(seed)
			if err != nil {
				return false
			}
			pub, err := identity.ParseDID(kp.DID)
			if err != nil {
				return false
			}
			return string(pub) == string(kp.Public)
		},
		gen.SliceOfN(32, gen.UInt8()),
	))

	properties.TestingRun(t)
}

// Property: flipping any byte of the message invalidates the signature.
func TestSignatureTamperProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampered messages never verify", prop.ForAll(
		func(seed []byte, msg []byte, flip uint8) bool {
			if len(msg) == 0 {
				return true
			}
			kp, err := identity.FromSeed(seed)
			if err != nil {
				return false
			}
			sig := identity.Sign(kp.Private, msg)
			if !identity.Verify(kp.Public, msg, sig) {
				return false
			}

			tampered := append([]byte(nil), msg...)
			idx := int(flip) % len(tampered)
			tampered[idx] ^= 0x01
			return !identity.Verify(kp.Public, tampered, sig)
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
