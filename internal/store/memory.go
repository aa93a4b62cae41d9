package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[uint64]*model.Market
	accounts map[string]*model.UserAccount
	ledger   []model.LedgerEntry
	seq      uint64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[uint64]*model.Market),
		accounts: make(map[string]*model.UserAccount),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.Index]; ok {
		return fmt.Errorf("%w: market index %d", ErrConflict, m.Index)
	}
	for _, existing := range s.markets {
		if existing.Name == m.Name {
			return fmt.Errorf("%w: market %s", ErrConflict, m.Name)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.Index] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, index uint64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[index]
	if !ok {
		return nil, fmt.Errorf("%w: market %d", ErrNotFound, index)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetMarketByName(_ context.Context, name string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Name == name {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: market %s", ErrNotFound, name)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Index < markets[j].Index })
	return markets, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, address string) (*model.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, address)
	}
	copy := a.Clone()
	return &copy, nil
}

func (s *MemoryStore) Commit(_ context.Context, cs *Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate before touching anything so a failed commit changes nothing.
	for _, m := range cs.Markets {
		if _, ok := s.markets[m.Index]; !ok {
			return fmt.Errorf("%w: market %d", ErrNotFound, m.Index)
		}
	}

	for _, m := range cs.Markets {
		copy := m
		s.markets[m.Index] = &copy
	}
	for _, a := range cs.Accounts {
		copy := a.Clone()
		s.accounts[a.Address] = &copy
	}
	for _, e := range cs.Entries {
		s.seq++
		e.Seq = s.seq
		s.ledger = append(s.ledger, *e)
	}
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, q LedgerQuery) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q = q.Normalize()
	result := []model.LedgerEntry{}
	// The ledger is append-only, so it is already in Seq order.
	for _, e := range s.ledger {
		if e.Seq <= q.StartAfter || !q.Matches(e) {
			continue
		}
		result = append(result, e)
		if len(result) == q.Limit {
			break
		}
	}
	return result, nil
}
