// Package store defines the persistence interface for the perp engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market or account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when creating a market whose index or name is
	// already taken.
	ErrConflict = errors.New("store: already exists")
)

// History page sizes, as served by the history endpoint.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 30
)

// LedgerQuery selects one page of a ledger stream, oldest first.
type LedgerQuery struct {
	Kind        model.LedgerKind
	UserAddress string // empty matches every user
	MarketIndex uint64 // 0 matches every market
	StartAfter  uint64 // Seq cursor, exclusive
	Limit       int
}

// Normalize clamps Limit to [1, MaxHistoryLimit], defaulting to
// DefaultHistoryLimit.
func (q LedgerQuery) Normalize() LedgerQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		q.Limit = MaxHistoryLimit
	}
	return q
}

// Matches reports whether e belongs to the stream q selects, ignoring the
// cursor and limit.
func (q LedgerQuery) Matches(e model.LedgerEntry) bool {
	return e.Kind == q.Kind &&
		(q.UserAddress == "" || e.UserAddress == q.UserAddress) &&
		(q.MarketIndex == 0 || e.MarketIndex == q.MarketIndex)
}

// Changeset is one state transition: every market and account it lists is
// replaced, and every entry is appended, atomically. Entries get their Seq
// assigned on commit.
type Changeset struct {
	Markets  []model.Market
	Accounts []model.UserAccount
	Entries  []*model.LedgerEntry
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its index.
	GetMarket(ctx context.Context, index uint64) (*model.Market, error)

	// GetMarketByName retrieves a market by its name, e.g. LUNA-PERP.
	GetMarketByName(ctx context.Context, name string) (*model.Market, error)

	// ListMarkets returns all markets ordered by index.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Accounts ---

	// GetAccount retrieves a user account with all its positions.
	GetAccount(ctx context.Context, address string) (*model.UserAccount, error)

	// --- State transitions ---

	// Commit applies a changeset atomically.
	Commit(ctx context.Context, cs *Changeset) error

	// --- Immutable ledger ---

	// ListLedgerEntries returns one page of a ledger stream.
	ListLedgerEntries(ctx context.Context, q LedgerQuery) ([]model.LedgerEntry, error)
}

// MarketSet loads every market into a snapshot.
func MarketSet(ctx context.Context, st Store) (model.MarketSet, error) {
	markets, err := st.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	set := make(model.MarketSet, len(markets))
	for _, m := range markets {
		set[m.Index] = m
	}
	return set, nil
}
