package receipts

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-labs/broker/pkg/discovery"
	"github.com/ainp-labs/broker/pkg/identity"
	"github.com/ainp-labs/broker/pkg/ledger"
	"github.com/ainp-labs/broker/pkg/reputation"
)

func testSecret(t *testing.T) *identity.MasterSecret {
	t.Helper()
	secret, err := identity.NewMasterSecret(strings.Repeat("ab", 32))
	require.NoError(t, err)
	return secret
}

// registerAgents populates the discovery store with n agents named
// did:key:zAgent0..n-1, each with one embedded capability.
func registerAgents(t *testing.T, store *discovery.MemoryStore, n int) []string {
	t.Helper()
	ctx := context.Background()
	dids := make([]string, n)
	for i := 0; i < n; i++ {
		did := fmt.Sprintf("did:key:zAgent%d", i)
		dids[i] = did
		vec, err := discovery.MemoryEmbedder{}.Embed(ctx, did)
		require.NoError(t, err)
		require.NoError(t, store.Register(ctx, &discovery.Registration{
			AgentDID: did,
			Capabilities: []*discovery.Capability{{
				Description: "capability of " + did,
				Embedding:   vec,
			}},
		}))
	}
	return dids
}

type fixture struct {
	service *Service
	agents  *discovery.MemoryStore
	credits *ledger.MemoryStore
	rep     *reputation.Service
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	agents := discovery.NewMemoryStore()
	credits := ledger.NewMemoryStore()
	rep := reputation.NewService(reputation.NewMemoryStore(), 0.2)
	svc := NewService(NewMemoryStore(), NewSelector(agents, testSecret(t)), rep,
		ledger.NewService(credits, true, nil), opts, nil)
	return &fixture{service: svc, agents: agents, credits: credits, rep: rep}
}

func TestCommitteeSelectionDeterministic(t *testing.T) {
	f := newFixture(t, Options{})
	dids := registerAgents(t, f.agents, 8)
	provider, client := dids[0], dids[1]
	ctx := context.Background()

	selector := NewSelector(f.agents, testSecret(t))
	seed, err := NewSeed()
	require.NoError(t, err)

	first, err := selector.Select(ctx, seed, provider, client, 5)
	require.NoError(t, err)
	second, err := selector.Select(ctx, seed, provider, client, 5)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same seed reproduces the committee")
	assert.Len(t, first, 5)
	assert.NotContains(t, first, provider)
	assert.NotContains(t, first, client)

	otherSeed, err := NewSeed()
	require.NoError(t, err)
	third, err := selector.Select(ctx, otherSeed, provider, client, 5)
	require.NoError(t, err)
	assert.Len(t, third, 5)
}

func TestCommitteeSmallerThanM(t *testing.T) {
	f := newFixture(t, Options{CommitteeSize: 5, Quorum: 3})
	dids := registerAgents(t, f.agents, 4)
	ctx := context.Background()

	r, err := f.service.Create(ctx, &CreateParams{
		IntentID: "int-1", AgentDID: dids[0], ClientDID: dids[1],
	})
	require.NoError(t, err)
	assert.Len(t, r.Committee, 2, "only two eligible agents exist")
	assert.Equal(t, 2, r.ScaledQuorum(), "ceil(2*3/5) = 2")
}

func TestQuorumFinalization(t *testing.T) {
	f := newFixture(t, Options{CommitteeSize: 5, Quorum: 3, ValidationReward: 100})
	dids := registerAgents(t, f.agents, 7)
	provider, client := dids[0], dids[1]
	ctx := context.Background()

	for _, did := range dids {
		_, err := f.credits.CreateAccount(ctx, did, 0)
		require.NoError(t, err)
	}

	r, err := f.service.Create(ctx, &CreateParams{
		IntentID: "int-1", AgentDID: provider, ClientDID: client, AmountAtomic: 90_000,
	})
	require.NoError(t, err)
	require.Len(t, r.Committee, 5)
	c1, c2 := r.Committee[0], r.Committee[1]

	_, err = f.service.Attest(ctx, r.ID, c1, AttestAuditPass, 0.9, 0.9, "", "")
	require.NoError(t, err)
	out, err := f.service.Evaluate(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status, "one pass is below quorum")

	_, err = f.service.Attest(ctx, r.ID, c2, AttestAuditPass, 0.8, 0.9, "", "")
	require.NoError(t, err)
	out, err = f.service.Evaluate(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)

	// Client acceptance counts toward the quorum: 2 audit passes + 1
	// acceptance meets k=3.
	_, err = f.service.Attest(ctx, r.ID, client, AttestAccepted, 1.0, 1.0, "", "")
	require.NoError(t, err)
	out, err = f.service.Evaluate(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, out.Status)
	require.NotNil(t, out.FinalizedAt)

	// Re-submitting the same (task, attestor, type) is rejected.
	_, err = f.service.Attest(ctx, r.ID, c1, AttestAuditPass, 0.9, 0.9, "", "")
	assert.ErrorIs(t, err, ErrDuplicateAttestation)

	// Agreeing committee members earned the validation reward, exactly once
	// even if evaluation runs again.
	_, err = f.service.Evaluate(ctx, r.ID)
	require.NoError(t, err)
	for _, member := range []string{c1, c2} {
		acct, err := f.credits.GetAccount(ctx, member)
		require.NoError(t, err)
		assert.Equal(t, int64(100), acct.Earned, "member %s", member)
	}

	// Provider reliability moved up from neutral.
	v, err := f.rep.Get(ctx, provider)
	require.NoError(t, err)
	assert.Greater(t, v.Reliability, 0.5)
}

func TestClientAcceptanceAloneStaysPending(t *testing.T) {
	f := newFixture(t, Options{CommitteeSize: 5, Quorum: 3})
	dids := registerAgents(t, f.agents, 7)
	ctx := context.Background()

	r, err := f.service.Create(ctx, &CreateParams{
		IntentID: "int-2", AgentDID: dids[0], ClientDID: dids[1],
	})
	require.NoError(t, err)

	_, err = f.service.Attest(ctx, r.ID, dids[1], AttestAccepted, 1.0, 1.0, "", "")
	require.NoError(t, err)
	out, err := f.service.Evaluate(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
}

func TestRejectQuorumDisputes(t *testing.T) {
	f := newFixture(t, Options{CommitteeSize: 5, Quorum: 3})
	dids := registerAgents(t, f.agents, 7)
	ctx := context.Background()

	r, err := f.service.Create(ctx, &CreateParams{
		IntentID: "int-3", AgentDID: dids[0], ClientDID: dids[1],
	})
	require.NoError(t, err)

	for _, member := range r.Committee[:3] {
		_, err = f.service.Attest(ctx, r.ID, member, AttestReject, 0.1, 0.9, "", "")
		require.NoError(t, err)
	}
	out, err := f.service.Evaluate(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, out.Status)
}

func TestAttestationAuthorization(t *testing.T) {
	f := newFixture(t, Options{CommitteeSize: 5, Quorum: 3})
	dids := registerAgents(t, f.agents, 8)
	provider, client := dids[0], dids[1]
	ctx := context.Background()

	r, err := f.service.Create(ctx, &CreateParams{
		IntentID: "int-4", AgentDID: provider, ClientDID: client,
	})
	require.NoError(t, err)

	var outsider string
	for _, did := range dids {
		if did != provider && did != client && !r.OnCommittee(did) {
			outsider = did
			break
		}
	}
	require.NotEmpty(t, outsider)

	_, err = f.service.Attest(ctx, r.ID, outsider, AttestAuditPass, 0.9, 0.9, "", "")
	assert.ErrorIs(t, err, ErrUnauthorizedAttestation)

	_, err = f.service.Attest(ctx, r.ID, r.Committee[0], AttestAccepted, 1, 1, "", "")
	assert.ErrorIs(t, err, ErrUnauthorizedAttestation, "only the client may accept")

	_, err = f.service.Attest(ctx, r.ID, provider, AttestAuditPass, 1, 1, "", "")
	assert.ErrorIs(t, err, ErrUnauthorizedAttestation, "the provider never sits on its own committee")
}
