package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDIDRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(kp.DID, "did:key:z"), "did:key form: %s", kp.DID)

	pub, err := ParseDID(kp.DID)
	require.NoError(t, err)
	assert.Equal(t, []byte(kp.Public), []byte(pub))
}

func TestParseDIDFailures(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	cases := []struct {
		name string
		did  string
		want error
	}{
		{"not a did", "key:z6Mk", ErrMalformedDID},
		{"web method", "did:web:example.com", ErrUnsupportedDID},
		{"missing multibase z", "did:key:6MkhaXgBZD", ErrMalformedDID},
		{"bad base58", "did:key:z0OIl", ErrMalformedDID},
		{"truncated key", "did:key:z" + kp.DID[len("did:key:z"):len(kp.DID)-4], ErrMalformedDID},
		{"empty tail", "did:key:", ErrMalformedDID},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDID(tc.did)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseDIDWrongMulticodec(t *testing.T) {
	// secp256k1-pub multicodec (0xe7 0x01) is well-formed but unsupported.
	raw := make([]byte, 34)
	raw[0], raw[1] = 0xe7, 0x01
	did := "did:key:z" + base58.Encode(raw)

	_, err := ParseDID(did)
	assert.ErrorIs(t, err, ErrUnsupportedDID)
}

func TestSignVerify(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	msg := []byte(`{"id":"E1","payload":{"text":"hello"}}`)
	sig := Sign(kp.Private, msg)

	assert.True(t, Verify(kp.Public, msg, sig))

	tampered := []byte(`{"id":"E1","payload":{"text":"hellO"}}`)
	assert.False(t, Verify(kp.Public, tampered, sig))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(other.Public, msg, sig))

	assert.False(t, Verify(kp.Public, msg, sig[:32]), "short signature must not verify")
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, a.DID, b.DID)

	_, err = FromSeed(seed[:31])
	assert.Error(t, err)
}

func TestMasterSecretDerivation(t *testing.T) {
	ms, err := NewMasterSecret(strings.Repeat("ab", 32))
	require.NoError(t, err)

	k1, err := ms.Derive("committee-hmac/v1", 32)
	require.NoError(t, err)
	k2, err := ms.Derive("committee-hmac/v1", 32)
	require.NoError(t, err)
	k3, err := ms.Derive("session-tokens/v1", 32)
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "same purpose derives same key")
	assert.NotEqual(t, k1, k3, "purposes must separate key material")

	_, err = NewMasterSecret("not-hex")
	assert.Error(t, err)
	_, err = NewMasterSecret("abcd")
	assert.Error(t, err)
}

func TestTokenMintVerify(t *testing.T) {
	ms, err := NewMasterSecret(strings.Repeat("cd", 32))
	require.NoError(t, err)
	signer, err := NewTokenSigner(ms, "ainp-broker", time.Hour)
	require.NoError(t, err)

	kp, err := Generate()
	require.NoError(t, err)

	token, err := signer.Mint(context.Background(), kp.DID)
	require.NoError(t, err)

	did, err := signer.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, kp.DID, did)

	_, err = signer.Mint(context.Background(), "did:web:nope")
	assert.ErrorIs(t, err, ErrUnsupportedDID)
}

func TestTokenExpiry(t *testing.T) {
	ms, err := NewMasterSecret(strings.Repeat("ef", 32))
	require.NoError(t, err)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	current := base
	signer, err := NewTokenSigner(ms, "ainp-broker", time.Minute)
	require.NoError(t, err)
	signer.WithClock(func() time.Time { return current })

	kp, err := Generate()
	require.NoError(t, err)
	token, err := signer.Mint(context.Background(), kp.DID)
	require.NoError(t, err)

	current = base.Add(30 * time.Second)
	_, err = signer.VerifyToken(token)
	assert.NoError(t, err)

	current = base.Add(2 * time.Minute)
	_, err = signer.VerifyToken(token)
	assert.Error(t, err, "expired token must not verify")
}

func TestTokenSurvivesRotation(t *testing.T) {
	ms, err := NewMasterSecret(strings.Repeat("11", 32))
	require.NoError(t, err)
	signer, err := NewTokenSigner(ms, "ainp-broker", time.Hour)
	require.NoError(t, err)

	kp, err := Generate()
	require.NoError(t, err)
	token, err := signer.Mint(context.Background(), kp.DID)
	require.NoError(t, err)

	require.NoError(t, signer.Rotate())

	did, err := signer.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, kp.DID, did)
}

func TestChallengeFlow(t *testing.T) {
	ms, err := NewMasterSecret(strings.Repeat("22", 32))
	require.NoError(t, err)
	signer, err := NewTokenSigner(ms, "ainp-broker", time.Hour)
	require.NoError(t, err)

	store := NewMemoryChallengeStore(5 * time.Minute)
	auth := NewAuthService(store, signer)

	kp, err := Generate()
	require.NoError(t, err)
	ctx := context.Background()

	nonce, err := auth.Challenge(ctx, kp.DID)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	sig := base64.StdEncoding.EncodeToString(Sign(kp.Private, []byte(nonce)))
	token, err := auth.Token(ctx, kp.DID, nonce, sig)
	require.NoError(t, err)

	did, err := signer.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, kp.DID, did)

	// Nonce is single use.
	_, err = auth.Token(ctx, kp.DID, nonce, sig)
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestChallengeWrongKey(t *testing.T) {
	ms, err := NewMasterSecret(strings.Repeat("33", 32))
	require.NoError(t, err)
	signer, err := NewTokenSigner(ms, "ainp-broker", time.Hour)
	require.NoError(t, err)
	auth := NewAuthService(NewMemoryChallengeStore(5*time.Minute), signer)

	kp, err := Generate()
	require.NoError(t, err)
	imposter, err := Generate()
	require.NoError(t, err)
	ctx := context.Background()

	nonce, err := auth.Challenge(ctx, kp.DID)
	require.NoError(t, err)

	sig := base64.StdEncoding.EncodeToString(Sign(imposter.Private, []byte(nonce)))
	_, err = auth.Token(ctx, kp.DID, nonce, sig)
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestChallengeExpiry(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	current := base
	store := NewMemoryChallengeStore(time.Minute).WithClock(func() time.Time { return current })

	kp, err := Generate()
	require.NoError(t, err)
	ctx := context.Background()

	nonce, err := store.Issue(ctx, kp.DID)
	require.NoError(t, err)

	current = base.Add(2 * time.Minute)
	err = store.Redeem(ctx, kp.DID, nonce)
	assert.True(t, errors.Is(err, ErrChallengeInvalid))
}
