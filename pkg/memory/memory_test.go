package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ainp-labs/broker/pkg/discovery"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewService(NewMemStore(), discovery.MemoryEmbedder{}, nil).
		WithClock(func() time.Time { return now })
}

func TestRememberAndSearch(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Remember(ctx, "did:key:zA", "conv-1", "prefers JSON responses over XML", []string{"format"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = svc.Remember(ctx, "did:key:zA", "conv-1", "deadline for the translation task is friday", nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "did:key:zA", "prefers JSON responses over XML", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, first.ID, hits[0].Entry.ID, "exact content is the nearest match")
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
}

func TestSearchScopedToOwner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Remember(ctx, "did:key:zA", "", "alpha secret", nil)
	require.NoError(t, err)
	_, err = svc.Remember(ctx, "did:key:zB", "", "alpha secret", nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "did:key:zA", "alpha secret", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "did:key:zA", hits[0].Entry.AgentDID)
}

func TestRememberRejectsEmptyContent(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Remember(context.Background(), "did:key:zA", "", "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyContent)
}
