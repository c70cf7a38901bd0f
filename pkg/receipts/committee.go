package receipts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/identity"
)

// Selector picks attestation committees. Selection is deterministic given
// the seed: the same seed always reproduces the same committee from the same
// candidate set, so a stored receipt can be re-verified.
type Selector struct {
	agents discovery.Store
	secret *identity.MasterSecret
}

func NewSelector(agents discovery.Store, secret *identity.MasterSecret) *Selector {
	return &Selector{agents: agents, secret: secret}
}

// NewSeed returns 32 cryptographically random bytes, hex encoded.
func NewSeed() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("receipts: selection seed: %w", err)
	}
	return hex.EncodeToString(seed), nil
}

// Select picks up to m committee members for the task, excluding the
// provider and the client. Fewer than m eligible agents yields a smaller
// committee; the quorum scales on evaluation.
func (s *Selector) Select(ctx context.Context, seed, provider, client string, m int) ([]string, error) {
	ranked, err := s.agents.RankedAgents(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("receipts: list candidates: %w", err)
	}

	candidates := make([]string, 0, len(ranked))
	for _, a := range ranked {
		if a.DID == provider || a.DID == client {
			continue
		}
		candidates = append(candidates, a.DID)
	}

	key, err := s.shuffleKey(seed)
	if err != nil {
		return nil, err
	}

	// Weight each candidate by HMAC over its DID and sort ascending. The
	// rank order from the store is the stable input; the HMAC is the
	// deterministic shuffle.
	type weighted struct {
		did    string
		weight []byte
	}
	ws := make([]weighted, len(candidates))
	for i, did := range candidates {
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(did))
		ws[i] = weighted{did: did, weight: mac.Sum(nil)}
	}
	sort.Slice(ws, func(i, j int) bool { return bytes.Compare(ws[i].weight, ws[j].weight) < 0 })

	if len(ws) > m {
		ws = ws[:m]
	}
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.did
	}
	return out, nil
}

// shuffleKey derives the HMAC key from the broker master secret and the
// receipt seed.
func (s *Selector) shuffleKey(seed string) ([]byte, error) {
	key, err := s.secret.Derive("committee:"+seed, 32)
	if err != nil {
		return nil, fmt.Errorf("receipts: derive shuffle key: %w", err)
	}
	return key, nil
}
