package usefulness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Options carry the submission and aggregation defaults.
type Options struct {
	// TimestampSkew bounds how far a proof timestamp may sit from now in
	// either direction.
	TimestampSkew time.Duration
	// Window is the rolling aggregation window; it doubles as the decay
	// half-life.
	Window time.Duration
}

// Cache is the write-back target for aggregated scores; the discovery
// store satisfies it.
type Cache interface {
	UpdateUsefulness(ctx context.Context, did string, score float64, at time.Time) error
	Usefulness(ctx context.Context, did string) (float64, error)
}

// Service validates and scores proof submissions and recomputes the
// per-agent rolling score.
type Service struct {
	store Store
	cache Cache
	opts  Options
	log   *slog.Logger
	now   func() time.Time
}

func NewService(store Store, cache Cache, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.TimestampSkew <= 0 {
		opts.TimestampSkew = 5 * time.Minute
	}
	if opts.Window <= 0 {
		opts.Window = 30 * 24 * time.Hour
	}
	return &Service{
		store: store,
		cache: cache,
		opts:  opts,
		log:   log.With("component", "usefulness"),
		now:   time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit validates, scores, and persists a proof. The stored score is
// final; aggregation only decays it.
func (s *Service) Submit(ctx context.Context, p *Proof) (*Proof, error) {
	if !p.WorkType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrBadWorkType, p.WorkType)
	}
	positive := false
	for _, v := range p.Metrics {
		if v > 0 {
			positive = true
			break
		}
	}
	if !positive {
		return nil, ErrNoMetrics
	}
	now := s.now().UTC()
	if p.Timestamp.Before(now.Add(-s.opts.TimestampSkew)) || p.Timestamp.After(now.Add(s.opts.TimestampSkew)) {
		return nil, ErrStaleTimestamp
	}

	p.ID = uuid.NewString()
	p.Score = ScoreProof(p)
	p.CreatedAt = now
	if err := s.store.Insert(ctx, p); err != nil {
		return nil, err
	}
	s.log.Debug("proof accepted", "proof", p.ID, "agent", p.AgentDID, "work_type", p.WorkType, "score", p.Score)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Proof, error) {
	return s.store.Get(ctx, id)
}

// AgentScore reads the cached rolling score.
func (s *Service) AgentScore(ctx context.Context, did string) (float64, error) {
	return s.cache.Usefulness(ctx, did)
}

// Aggregate recomputes the rolling score for every agent with proofs in
// the window and writes it back to the cache. A single agent failure logs
// and continues; overlapping runs are safe because the write is
// last-writer-wins.
func (s *Service) Aggregate(ctx context.Context) (int, error) {
	now := s.now().UTC()
	since := now.Add(-s.opts.Window)
	agents, err := s.store.ActiveAgents(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("usefulness: list active agents: %w", err)
	}

	updated := 0
	for _, did := range agents {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}
		score, err := s.agentRollup(ctx, did, since, now)
		if err != nil {
			s.log.Warn("aggregate agent", "agent", did, "error", err)
			continue
		}
		if err := s.cache.UpdateUsefulness(ctx, did, score, now); err != nil {
			s.log.Warn("write usefulness cache", "agent", did, "error", err)
			continue
		}
		updated++
	}
	s.log.Info("usefulness aggregation", "agents", len(agents), "updated", updated)
	return updated, nil
}

// agentRollup is the decay-weighted mean of the agent's proof scores in
// the window.
func (s *Service) agentRollup(ctx context.Context, did string, since, now time.Time) (float64, error) {
	proofs, err := s.store.ListByAgent(ctx, did, since, 0)
	if err != nil {
		return 0, err
	}
	halfLife := s.opts.Window.Hours()
	var weighted, weights float64
	for _, p := range proofs {
		w := decayWeight(now.Sub(p.Timestamp).Hours(), halfLife)
		weighted += w * p.Score
		weights += w
	}
	if weights == 0 {
		return 0, nil
	}
	return weighted / weights, nil
}
