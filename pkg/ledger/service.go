package ledger

import (
	"context"
	"errors"
	"log/slog"
)

// Service fronts a Store with the CREDIT_LEDGER_ENABLED toggle. When the
// ledger is disabled every mutating operation is a successful no-op and
// reads report an empty account, so callers never branch on the toggle.
type Service struct {
	store   Store
	enabled bool
	log     *slog.Logger
}

func NewService(store Store, enabled bool, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, enabled: enabled, log: log.With("component", "ledger")}
}

// Enabled reports whether credit operations have effect.
func (s *Service) Enabled() bool { return s.enabled }

// EnsureAccount creates the account if it does not exist yet, returning the
// current account either way.
func (s *Service) EnsureAccount(ctx context.Context, agentDID string, initial int64) (*Account, error) {
	if !s.enabled {
		return &Account{AgentDID: agentDID}, nil
	}
	acct, err := s.store.CreateAccount(ctx, agentDID, initial)
	if errors.Is(err, ErrAccountExists) {
		return s.store.GetAccount(ctx, agentDID)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("credit account created", "agent", agentDID, "initial", initial)
	return acct, nil
}

func (s *Service) Account(ctx context.Context, agentDID string) (*Account, error) {
	if !s.enabled {
		return &Account{AgentDID: agentDID}, nil
	}
	return s.store.GetAccount(ctx, agentDID)
}

func (s *Service) Deposit(ctx context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.store.Deposit(ctx, agentDID, amount, intentRef, metadata)
}

func (s *Service) Reserve(ctx context.Context, agentDID string, amount int64, intentRef string) (*Transaction, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.store.Reserve(ctx, agentDID, amount, intentRef)
}

func (s *Service) Release(ctx context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) ([]*Transaction, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.store.Release(ctx, agentDID, reservedAmt, spentAmt, intentRef)
}

func (s *Service) Earn(ctx context.Context, agentDID string, amount int64, kind TxType, intentRef, proofRef string, metadata map[string]interface{}) (*Transaction, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.store.Earn(ctx, agentDID, amount, kind, intentRef, proofRef, metadata)
}

func (s *Service) Spend(ctx context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.store.Spend(ctx, agentDID, amount, intentRef, metadata)
}

func (s *Service) Transactions(ctx context.Context, agentDID string, limit int) ([]*Transaction, error) {
	if !s.enabled {
		return nil, nil
	}
	return s.store.Transactions(ctx, agentDID, limit)
}

func (s *Service) Ping(ctx context.Context) error {
	if !s.enabled {
		return nil
	}
	return s.store.Ping(ctx)
}
