package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ainp-labs/broker/pkg/discovery"
)

// Service embeds and stores agent memory and answers scoped searches.
type Service struct {
	store    Store
	embedder discovery.Embedder
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, embedder discovery.Embedder, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		log:      log.With("component", "memory"),
		now:      time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Remember embeds and stores one entry for the agent.
func (s *Service) Remember(ctx context.Context, agentDID, conversationID, content string, tags []string) (*Entry, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		ID:             uuid.NewString(),
		AgentDID:       agentDID,
		ConversationID: conversationID,
		Content:        content,
		Embedding:      vec,
		Tags:           tags,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Search runs a vector search over the agent's own entries only.
func (s *Service) Search(ctx context.Context, agentDID, query string, limit int) ([]*Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.store.Nearest(ctx, agentDID, vec, limit)
}

func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.Get(ctx, id)
}
