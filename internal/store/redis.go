package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, cs *Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	keys := make([]string, 0, len(cs.Markets)+len(cs.Accounts))
	for _, m := range cs.Markets {
		keys = append(keys, marketKey(m.Index))
	}
	for _, a := range cs.Accounts {
		keys = append(keys, accountKey(a.Address))
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, index uint64) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(index)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, index)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByName(ctx context.Context, name string) (*model.Market, error) {
	// Try cache via name→index mapping.
	raw, err := s.rdb.Get(ctx, marketNameKey(name)).Result()
	if err == nil {
		if index, perr := strconv.ParseUint(raw, 10, 64); perr == nil {
			return s.GetMarket(ctx, index)
		}
	}

	// Cache miss.
	m, err := s.primary.GetMarketByName(ctx, name)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the name→index mapping. Names never change.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, marketNameKey(name), strconv.FormatUint(m.Index, 10), s.ttl)
	return m, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, address string) (*model.UserAccount, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, accountKey(address)).Bytes()
	if err == nil {
		var a model.UserAccount
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss.
	a, err := s.primary.GetAccount(ctx, address)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(address), data, s.ttl)
	}
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, q LedgerQuery) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, q)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.Index), data, s.ttl)
	}
}

func marketKey(index uint64) string    { return fmt.Sprintf("market:%d", index) }
func marketNameKey(name string) string { return fmt.Sprintf("market-name:%s", name) }
func accountKey(address string) string { return fmt.Sprintf("account:%s", address) }
