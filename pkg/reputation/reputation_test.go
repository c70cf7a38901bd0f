package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSeedsNeutralVector(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0.2)
	ctx := context.Background()

	v, err := svc.Observe(ctx, "did:key:zAlice", map[string]float64{DimQuality: 1.0})
	require.NoError(t, err)

	// 0.8*0.5 + 0.2*1.0
	assert.InDelta(t, 0.6, v.Quality, 1e-9)
	assert.InDelta(t, 0.5, v.Reliability, 1e-9, "untouched dimensions stay neutral")
}

func TestObserveEWMAConverges(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0.2)
	ctx := context.Background()

	var v *Vector
	var err error
	for i := 0; i < 50; i++ {
		v, err = svc.Observe(ctx, "did:key:zAlice", map[string]float64{DimReliability: 1.0})
		require.NoError(t, err)
	}
	assert.Greater(t, v.Reliability, 0.99, "repeated perfect observations converge to 1")

	v, err = svc.Observe(ctx, "did:key:zAlice", map[string]float64{DimReliability: 0.0})
	require.NoError(t, err)
	assert.Less(t, v.Reliability, 0.81, "one failure drops by alpha")
}

func TestObserveClampsOutOfRange(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0.5)
	ctx := context.Background()

	v, err := svc.Observe(ctx, "did:key:zAlice", map[string]float64{DimSafety: 7.0})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v.Safety, 1e-9, "observation clamped to 1 before blending")

	v, err = svc.Observe(ctx, "did:key:zAlice", map[string]float64{DimSafety: -3.0})
	require.NoError(t, err)
	assert.InDelta(t, 0.375, v.Safety, 1e-9)
}

func TestObserveIgnoresUnknownDimension(t *testing.T) {
	svc := NewService(NewMemoryStore(), 0.2)
	v, err := svc.Observe(context.Background(), "did:key:zAlice", map[string]float64{"X": 1.0})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v.Quality, 1e-9)
}

func TestWithClockStampsUpdates(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(NewMemoryStore(), 0.2).WithClock(func() time.Time { return fixed })

	v, err := svc.Observe(context.Background(), "did:key:zAlice", map[string]float64{DimQuality: 1.0})
	require.NoError(t, err)
	assert.Equal(t, fixed, v.UpdatedAt)
}
