// Package reputation maintains per-agent reputation vectors. Seven
// dimensions in [0,1], updated by exponentially weighted moving average as
// task receipts finalize.
package reputation

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for agents with no reputation row yet.
var ErrNotFound = errors.New("reputation not found")

// DefaultAlpha is the EWMA smoothing factor.
const DefaultAlpha = 0.2

// Dimension names.
const (
	DimQuality     = "Q"
	DimTimeliness  = "T"
	DimReliability = "R"
	DimSafety      = "S"
	DimValidation  = "V"
	DimIntegrity   = "I"
	DimEfficiency  = "E"
)

// Vector is one agent's reputation. New agents start every dimension at the
// neutral 0.5.
type Vector struct {
	AgentDID    string    `json:"agent_did"`
	Quality     float64   `json:"quality"`
	Timeliness  float64   `json:"timeliness"`
	Reliability float64   `json:"reliability"`
	Safety      float64   `json:"safety"`
	Validation  float64   `json:"validation"`
	Integrity   float64   `json:"integrity"`
	Efficiency  float64   `json:"efficiency"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewVector seeds a neutral vector.
func NewVector(did string, at time.Time) *Vector {
	return &Vector{
		AgentDID:    did,
		Quality:     0.5,
		Timeliness:  0.5,
		Reliability: 0.5,
		Safety:      0.5,
		Validation:  0.5,
		Integrity:   0.5,
		Efficiency:  0.5,
		UpdatedAt:   at,
	}
}

// dim returns a pointer to the named dimension.
func (v *Vector) dim(name string) *float64 {
	switch name {
	case DimQuality:
		return &v.Quality
	case DimTimeliness:
		return &v.Timeliness
	case DimReliability:
		return &v.Reliability
	case DimSafety:
		return &v.Safety
	case DimValidation:
		return &v.Validation
	case DimIntegrity:
		return &v.Integrity
	case DimEfficiency:
		return &v.Efficiency
	}
	return nil
}

// Store is the reputation persistence contract.
type Store interface {
	Get(ctx context.Context, did string) (*Vector, error)
	Upsert(ctx context.Context, v *Vector) error
	Ping(ctx context.Context) error
}

// Service applies EWMA observations to reputation vectors.
type Service struct {
	store Store
	alpha float64
	now   func() time.Time
}

func NewService(store Store, alpha float64) *Service {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &Service{store: store, alpha: alpha, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Get(ctx context.Context, did string) (*Vector, error) {
	return s.store.Get(ctx, did)
}

// Observe folds a set of per-dimension observations into the agent's
// vector: d ← (1−α)·d + α·obs, clamped to [0,1]. Dimensions absent from
// the map keep their value.
func (s *Service) Observe(ctx context.Context, did string, observations map[string]float64) (*Vector, error) {
	v, err := s.store.Get(ctx, did)
	if errors.Is(err, ErrNotFound) {
		v = NewVector(did, s.now().UTC())
	} else if err != nil {
		return nil, err
	}

	for name, obs := range observations {
		d := v.dim(name)
		if d == nil {
			continue
		}
		*d = clamp01((1-s.alpha)**d + s.alpha*clamp01(obs))
	}
	v.UpdatedAt = s.now().UTC()

	if err := s.store.Upsert(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
