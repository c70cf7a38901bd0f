package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/text/unicode/norm"

	"github.com/ainp-labs/broker/pkg/ledger"
)

// Weights blend similarity, trust, and cached usefulness into the ranking
// score. They must sum to 1 within epsilon.
type Weights struct {
	Similarity float64
	Trust      float64
	Usefulness float64
}

// ClassicWeights is the ranking used when usefulness-aware ranking is off.
var ClassicWeights = Weights{Similarity: 0.6, Trust: 0.4}

// DefaultWeights is the usefulness-aware ranking.
var DefaultWeights = Weights{Similarity: 0.6, Trust: 0.3, Usefulness: 0.1}

const weightsEpsilon = 1e-6

// Validate checks the weights sum to 1.
func (w Weights) Validate() error {
	sum := w.Similarity + w.Trust + w.Usefulness
	if sum < 1-weightsEpsilon || sum > 1+weightsEpsilon {
		return fmt.Errorf("discovery: ranking weights sum to %g, want 1", sum)
	}
	return nil
}

// Options tune the search behavior.
type Options struct {
	Weights             Weights
	UsefulnessEnabled   bool
	SimilarityThreshold float64
	SearchLimit         int
	CacheTTL            time.Duration
	InitialCredits      int64
}

// Result is a search response plus its degradation marker.
type Result struct {
	Matches  []*Match `json:"matches"`
	Degraded bool     `json:"degraded,omitempty"`
}

// Service is the semantic discovery engine.
type Service struct {
	store    Store
	embedder Embedder
	credits  *ledger.Service
	cache    *redis.Client
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, embedder Embedder, credits *ledger.Service, cache *redis.Client, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 10
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = 0.7
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Weights == (Weights{}) {
		if opts.UsefulnessEnabled {
			opts.Weights = DefaultWeights
		} else {
			opts.Weights = ClassicWeights
		}
	}
	return &Service{
		store:    store,
		embedder: embedder,
		credits:  credits,
		cache:    cache,
		opts:     opts,
		log:      log.With("component", "discovery"),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register validates and stores an agent's capability advertisement, and
// opens its credit account on first registration.
func (s *Service) Register(ctx context.Context, reg *Registration) error {
	for _, cap := range reg.Capabilities {
		cap.Description = strings.TrimSpace(norm.NFC.String(cap.Description))
		if cap.Description == "" {
			return errors.New("discovery: capability description required")
		}
		if cap.Version != "" {
			if _, err := semver.NewVersion(cap.Version); err != nil {
				return fmt.Errorf("discovery: capability %q version: %w", cap.Description, err)
			}
		}
		if len(cap.Embedding) == 0 {
			vec, err := s.embedder.Embed(ctx, cap.Description)
			if err != nil {
				return fmt.Errorf("discovery: embed capability %q: %w", cap.Description, err)
			}
			cap.Embedding = vec
		}
	}

	if err := s.store.Register(ctx, reg); err != nil {
		return err
	}

	if _, err := s.credits.EnsureAccount(ctx, reg.AgentDID, s.opts.InitialCredits); err != nil {
		return fmt.Errorf("discovery: open credit account: %w", err)
	}
	s.log.Info("agent registered", "agent", reg.AgentDID, "capabilities", len(reg.Capabilities))
	return nil
}

// Touch refreshes last_seen_at for liveness-based tie-breaks.
func (s *Service) Touch(ctx context.Context, did string) {
	if err := s.store.Touch(ctx, did, s.now().UTC()); err != nil {
		s.log.Warn("touch failed", "agent", did, "error", err)
	}
}

func (s *Service) Agent(ctx context.Context, did string) (*Agent, error) {
	return s.store.GetAgent(ctx, did)
}

func (s *Service) Trust(ctx context.Context, did string) (*TrustVector, error) {
	return s.store.Trust(ctx, did)
}

func (s *Service) UpdateTrust(ctx context.Context, tv *TrustVector) error {
	tv.Recompute()
	tv.UpdatedAt = s.now().UTC()
	return s.store.UpdateTrust(ctx, tv)
}

func (s *Service) RankedAgents(ctx context.Context, limit int) ([]*RankedAgent, error) {
	return s.store.RankedAgents(ctx, limit)
}

func (s *Service) Store() Store { return s.store }

// Search runs the discovery pipeline: embed, nearest-neighbor,
// dedupe by agent, post-filter, blend, rank.
func (s *Service) Search(ctx context.Context, q *Query) (*Result, error) {
	limit := q.Limit
	if limit <= 0 || limit > s.opts.SearchLimit {
		limit = s.opts.SearchLimit
	}

	cacheKey := s.cacheKey(q, limit)
	if cached := s.cachedResult(ctx, cacheKey); cached != nil {
		return cached, nil
	}

	res := &Result{}
	var cands []*Candidate
	weights := s.opts.Weights

	switch {
	case q.Description != "":
		vec, err := s.embedder.Embed(ctx, q.Description)
		if err != nil {
			// Degraded mode: embedding provider down, fall back to
			// tag/trust filtering with the similarity term removed.
			s.log.Warn("embedding provider unavailable, degrading to tag search", "error", err)
			res.Degraded = true
			weights = renormalizeWithoutSimilarity(weights)
			cands, err = s.store.ByTags(ctx, q.Tags, limit*4)
			if err != nil {
				return nil, err
			}
		} else {
			cands, err = s.store.Nearest(ctx, vec, limit*4)
			if err != nil {
				return nil, err
			}
			// Similarity gate before post-filters.
			kept := cands[:0]
			for _, c := range cands {
				if 1-c.Distance >= s.opts.SimilarityThreshold {
					kept = append(kept, c)
				}
			}
			cands = kept
		}
	case len(q.Tags) > 0:
		var err error
		cands, err = s.store.ByTags(ctx, q.Tags, limit*4)
		if err != nil {
			return nil, err
		}
		weights = renormalizeWithoutSimilarity(weights)
	default:
		return nil, errors.New("discovery: query needs a description or tags")
	}

	res.Matches = s.rank(dedupeByAgent(cands), q, weights, limit)

	if !res.Degraded {
		s.storeResult(ctx, cacheKey, res)
	}
	return res, nil
}

// rank applies post-filters and the blended score, returning the top K.
func (s *Service) rank(cands []*Candidate, q *Query, w Weights, limit int) []*Match {
	matches := make([]*Match, 0, len(cands))
	for _, c := range cands {
		if c.Trust < q.MinTrust {
			continue
		}
		if !containsAll(c.Capability.Tags, q.Tags) {
			continue
		}
		if q.MaxLatencyMS > 0 && c.Capability.MaxLatencyMS > 0 && c.Capability.MaxLatencyMS > q.MaxLatencyMS {
			continue
		}
		if q.MaxCost > 0 && c.Capability.MaxCost > 0 && c.Capability.MaxCost > q.MaxCost {
			continue
		}

		similarity := 1 - c.Distance
		score := w.Similarity*similarity + w.Trust*c.Trust
		if s.opts.UsefulnessEnabled || w.Usefulness > 0 {
			score += w.Usefulness * (c.Usefulness / 100)
		}
		matches = append(matches, &Match{
			AgentDID:    c.Capability.AgentDID,
			Description: c.Capability.Description,
			Tags:        c.Capability.Tags,
			Version:     c.Capability.Version,
			Similarity:  similarity,
			Trust:       c.Trust,
			Usefulness:  c.Usefulness,
			Score:       score,
			LastSeenAt:  c.Agent.LastSeenAt,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		// Tie-break: closer match first, then the more recently seen agent.
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].LastSeenAt.After(matches[j].LastSeenAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// dedupeByAgent keeps the closest capability per agent.
func dedupeByAgent(cands []*Candidate) []*Candidate {
	best := make(map[string]*Candidate)
	order := make([]string, 0, len(cands))
	for _, c := range cands {
		did := c.Capability.AgentDID
		cur, ok := best[did]
		if !ok {
			best[did] = c
			order = append(order, did)
			continue
		}
		if c.Distance < cur.Distance {
			best[did] = c
		}
	}
	out := make([]*Candidate, 0, len(best))
	for _, did := range order {
		out = append(out, best[did])
	}
	return out
}

func renormalizeWithoutSimilarity(w Weights) Weights {
	rest := w.Trust + w.Usefulness
	if rest <= 0 {
		return Weights{Trust: 1}
	}
	return Weights{Trust: w.Trust / rest, Usefulness: w.Usefulness / rest}
}

func (s *Service) cacheKey(q *Query, limit int) string {
	tags := append([]string(nil), q.Tags...)
	sort.Strings(tags)
	raw := fmt.Sprintf("%s|%s|%g|%d|%d|%g|%+v",
		DescriptionHash(q.Description), strings.Join(tags, ","), q.MinTrust,
		q.MaxLatencyMS, limit, q.MaxCost, s.opts.Weights)
	sum := sha256.Sum256([]byte(raw))
	return "ainp:disc:" + hex.EncodeToString(sum[:])
}

func (s *Service) cachedResult(ctx context.Context, key string) *Result {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		return nil
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil
	}
	return &res
}

func (s *Service) storeResult(ctx context.Context, key string, res *Result) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.opts.CacheTTL).Err(); err != nil {
		s.log.Debug("result cache write failed", "error", err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
