package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store entirely in memory. Used by tests and the
// embedded profile; mirrors the Postgres store's semantics including the
// (agent, type, intent_ref) idempotency constraint.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	txs      map[string][]*Transaction
	idemKeys map[string]bool
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string][]*Transaction),
		idemKeys: make(map[string]bool),
		now:      time.Now,
	}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateAccount(_ context.Context, agentDID string, initial int64) (*Account, error) {
	if initial < 0 {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[agentDID]; ok {
		return nil, ErrAccountExists
	}
	now := s.now().UTC()
	acct := &Account{AgentDID: agentDID, Balance: initial, CreatedAt: now, UpdatedAt: now}
	s.accounts[agentDID] = acct
	if initial > 0 {
		s.append(&Transaction{
			ID: uuid.NewString(), AgentDID: agentDID, Type: TxDeposit, Amount: initial,
			Metadata: map[string]interface{}{"reason": "initial_allocation"}, CreatedAt: now,
		})
	}
	copy := *acct
	return &copy, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, agentDID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[agentDID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copy := *acct
	return &copy, nil
}

func (s *MemoryStore) Deposit(_ context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error) {
	return s.mutate(agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		acct.Balance += amount
		return &Transaction{Type: TxDeposit, Amount: amount, IntentRef: intentRef, Metadata: metadata}, nil
	})
}

func (s *MemoryStore) Reserve(_ context.Context, agentDID string, amount int64, intentRef string) (*Transaction, error) {
	return s.mutate(agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if acct.Available() < amount {
			return nil, ErrInsufficientBalance
		}
		acct.Reserved += amount
		return &Transaction{Type: TxReserve, Amount: amount, IntentRef: intentRef}, nil
	})
}

func (s *MemoryStore) Release(_ context.Context, agentDID string, reservedAmt, spentAmt int64, intentRef string) ([]*Transaction, error) {
	if reservedAmt <= 0 || spentAmt < 0 || spentAmt > reservedAmt {
		return nil, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[agentDID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	// Idempotency first: a retried release must report the duplicate, not
	// the insufficient reservation its first run consumed.
	if intentRef != "" && s.idemKeys[idemKey(agentDID, TxRelease, intentRef)] {
		return nil, ErrDuplicateTransaction
	}
	if acct.Reserved < reservedAmt {
		return nil, ErrInsufficientReserved
	}

	now := s.now().UTC()
	acct.Reserved -= reservedAmt
	acct.Spent += spentAmt
	acct.Balance -= spentAmt
	acct.UpdatedAt = now

	out := []*Transaction{{
		ID: uuid.NewString(), AgentDID: agentDID, Type: TxRelease,
		Amount: reservedAmt, IntentRef: intentRef, CreatedAt: now,
	}}
	if spentAmt > 0 {
		out = append(out, &Transaction{
			ID: uuid.NewString(), AgentDID: agentDID, Type: TxSpend,
			Amount: spentAmt, IntentRef: intentRef, CreatedAt: now,
		})
	}
	for _, t := range out {
		s.append(t)
	}
	return out, nil
}

func (s *MemoryStore) Earn(_ context.Context, agentDID string, amount int64, kind TxType, intentRef, proofRef string, metadata map[string]interface{}) (*Transaction, error) {
	if kind != TxEarn && kind != TxPoUValidation {
		kind = TxEarn
	}
	return s.mutate(agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		acct.Balance += amount
		acct.Earned += amount
		return &Transaction{Type: kind, Amount: amount, IntentRef: intentRef, ProofRef: proofRef, Metadata: metadata}, nil
	})
}

func (s *MemoryStore) Spend(_ context.Context, agentDID string, amount int64, intentRef string, metadata map[string]interface{}) (*Transaction, error) {
	return s.mutate(agentDID, func(acct *Account) (*Transaction, error) {
		if amount <= 0 {
			return nil, ErrInvalidAmount
		}
		if acct.Available() < amount {
			return nil, ErrInsufficientBalance
		}
		acct.Balance -= amount
		acct.Spent += amount
		return &Transaction{Type: TxSpend, Amount: amount, IntentRef: intentRef, Metadata: metadata}, nil
	})
}

func (s *MemoryStore) Transactions(_ context.Context, agentDID string, limit int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.txs[agentDID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*Transaction, 0, limit)
	// Newest first, matching the SQL store.
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		copy := *all[i]
		out = append(out, &copy)
	}
	return out, nil
}

func (s *MemoryStore) mutate(agentDID string, fn func(*Account) (*Transaction, error)) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[agentDID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	saved := *acct
	entry, err := fn(acct)
	if err != nil {
		return nil, err
	}
	if entry.IntentRef != "" && s.idemKeys[idemKey(agentDID, entry.Type, entry.IntentRef)] {
		*acct = saved
		return nil, ErrDuplicateTransaction
	}
	entry.ID = uuid.NewString()
	entry.AgentDID = agentDID
	entry.CreatedAt = s.now().UTC()
	acct.UpdatedAt = entry.CreatedAt
	s.append(entry)
	copy := *entry
	return &copy, nil
}

func (s *MemoryStore) append(t *Transaction) {
	s.txs[t.AgentDID] = append(s.txs[t.AgentDID], t)
	if t.IntentRef != "" {
		s.idemKeys[idemKey(t.AgentDID, t.Type, t.IntentRef)] = true
	}
}

func idemKey(agent string, typ TxType, ref string) string {
	return agent + "|" + string(typ) + "|" + ref
}
