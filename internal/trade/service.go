// Package trade provides the HTTP handlers and business logic for listing
// markets, executing trades against the vAMM, moving collateral, settling
// funding and querying margin and liquidation prices.
//
// All quantities are fixed-point integers (package fixed), never float64.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/listing"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

var (
	// ErrInvalidRequest is returned for malformed or incomplete input.
	ErrInvalidRequest = errors.New("trade: invalid request")

	// ErrTradeTooSmall is returned for a trade below the market's minimum
	// base asset trade size.
	ErrTradeTooSmall = errors.New("trade: base asset amount below market minimum")

	// ErrSlippageLimit is returned when the entry price is worse than the
	// requested limit price.
	ErrSlippageLimit = errors.New("trade: entry price beyond limit price")

	// ErrNoOraclePrice is returned when a funding update has no oracle
	// observation to work from.
	ErrNoOraclePrice = errors.New("trade: no oracle price")
)

// DefaultInsuranceFund is the account credited with the insurance fund's
// share of liquidation penalties.
const DefaultInsuranceFund = "insurance-fund"

// publishTimeout bounds one ledger publish after the lock is released.
const publishTimeout = 5 * time.Second

// Service handles market operations. Uses a mutex for serialized state
// transitions (single-instance): every mutating request loads one consistent
// snapshot of markets and account under the write lock, runs the pure engine
// on it and commits the result as one changeset. Reads that combine an
// account with markets hold the read lock.
type Service struct {
	store         store.Store
	limiter       *limits.PositionLimiter
	publisher     events.Publisher
	fundingPeriod int64
	fees          fees.Schedule
	liquidation   liquidation.Params
	insuranceFund string
	now           func() time.Time
	wsHub         *WSHub // optional WebSocket hub for real-time broadcasts

	mu sync.RWMutex
	// unpublished holds entries committed under mu, published by unlock.
	unpublished []model.LedgerEntry
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher streams committed ledger entries to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithClock replaces time.Now, e.g. to drive funding updates in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDefaultFundingPeriod sets the funding period of markets listed
// without one.
func WithDefaultFundingPeriod(d time.Duration) Option {
	return func(s *Service) { s.fundingPeriod = int64(d / time.Second) }
}

// WithFeeSchedule sets the exchange fee charged on trades.
func WithFeeSchedule(f fees.Schedule) Option {
	return func(s *Service) { s.fees = f }
}

// WithLiquidationParams replaces the default liquidation penalties.
func WithLiquidationParams(p liquidation.Params) Option {
	return func(s *Service) { s.liquidation = p }
}

// WithInsuranceFund names the account credited with the insurance fund's
// share of liquidation penalties.
func WithInsuranceFund(address string) Option {
	return func(s *Service) { s.insuranceFund = address }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed, and a nil
// limiter to disable position limits.
func NewService(st store.Store, limiter *limits.PositionLimiter, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:         st,
		limiter:       limiter,
		publisher:     events.Nop{},
		fundingPeriod: listing.DefaultFundingPeriod,
		fees:          fees.Default,
		liquidation:   liquidation.DefaultParams(),
		insuranceFund: DefaultInsuranceFund,
		now:           time.Now,
		wsHub:         hub,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes mounts every handler on r, relative to the API prefix.
func (s *Service) Routes(r chi.Router) {
	// Markets.
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{market}", s.GetMarket)
	r.Get("/markets/{market}/price", s.GetPrice)
	r.Post("/markets/{market}/quote", s.Quote)
	r.Get("/markets/{market}/max-trade", s.MaxTrade)
	r.Put("/markets/{market}/oracle", s.SetOracle)
	r.Post("/markets/{market}/funding", s.UpdateFunding)

	// Trading and collateral.
	r.Post("/trade", s.ExecuteTrade)
	r.Post("/deposit", s.Deposit)
	r.Post("/withdraw", s.Withdraw)
	r.Post("/liquidate", s.Liquidate)

	// Accounts.
	r.Get("/users/{address}", s.GetUser)
	r.Get("/users/{address}/positions/{market}", s.GetPosition)
	r.Post("/users/{address}/settle-funding", s.SettleFunding)
	r.Get("/users/{address}/margin", s.GetMargin)
	r.Get("/users/{address}/liquidation-price", s.GetLiquidationPrice)

	// Immutable ledger.
	r.Get("/history/{kind}", s.GetHistory)
}

// --- Snapshot helpers ---

// lookupMarket resolves a market by index or by name.
func (s *Service) lookupMarket(ctx context.Context, ref string) (*model.Market, error) {
	if idx, err := strconv.ParseUint(ref, 10, 64); err == nil {
		return s.store.GetMarket(ctx, idx)
	}
	if _, err := listing.ParseName(ref); err != nil {
		return nil, fmt.Errorf("%w: market %q is neither an index nor a name", ErrInvalidRequest, ref)
	}
	return s.store.GetMarketByName(ctx, ref)
}

// accountOrNew returns the stored account or an empty one.
func (s *Service) accountOrNew(ctx context.Context, address string) (model.UserAccount, error) {
	a, err := s.store.GetAccount(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return model.UserAccount{Address: address}, nil
	}
	if err != nil {
		return model.UserAccount{}, err
	}
	return *a, nil
}

// accountSnapshot loads an account and every market under the read lock, so
// both reflect the same commits.
func (s *Service) accountSnapshot(ctx context.Context, address string) (model.UserAccount, model.MarketSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, err := s.store.GetAccount(ctx, address)
	if err != nil {
		return model.UserAccount{}, nil, err
	}
	markets, err := store.MarketSet(ctx, s.store)
	if err != nil {
		return model.UserAccount{}, nil, err
	}
	return *a, markets, nil
}

// settledAccount loads an existing account and the market snapshot, then
// settles funding on every open position.
func (s *Service) settledAccount(ctx context.Context, address string) (model.UserAccount, model.MarketSet, []funding.Settlement, error) {
	a, err := s.store.GetAccount(ctx, address)
	if err != nil {
		return model.UserAccount{}, nil, nil, err
	}
	markets, err := store.MarketSet(ctx, s.store)
	if err != nil {
		return model.UserAccount{}, nil, nil, err
	}
	acct, paid, err := funding.SettleAll(*a, markets)
	if err != nil {
		return model.UserAccount{}, nil, nil, err
	}
	return acct, markets, paid, nil
}

// --- Ledger helpers ---

func newEntry(kind model.LedgerKind, user string, market uint64, ts time.Time) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:          uuid.New().String(),
		Kind:        kind,
		UserAddress: user,
		MarketIndex: market,
		Timestamp:   ts,
	}
}

// fundingEntries records one funding payment per settled market.
func fundingEntries(user string, paid []funding.Settlement, ts time.Time) []*model.LedgerEntry {
	entries := make([]*model.LedgerEntry, 0, len(paid))
	for _, p := range paid {
		e := newEntry(model.KindFundingPayment, user, p.Position.MarketIndex, ts)
		e.FundingPayment = p.Record
		entries = append(entries, e)
	}
	return entries
}

// commit persists cs and queues its entries for publishing once the write
// lock is released. Callers must hold s.mu and release it with unlock.
func (s *Service) commit(ctx context.Context, cs *store.Changeset) error {
	if err := s.store.Commit(ctx, cs); err != nil {
		return err
	}
	for _, e := range cs.Entries {
		if e.Kind == model.KindFundingPayment {
			metrics.FundingPayments.Inc()
		}
		s.unpublished = append(s.unpublished, *e)
	}
	return nil
}

// unlock releases the write lock, then publishes what was committed under
// it. The store is the source of truth: a failed publish is logged and
// counted, not returned, and the broker is never waited on with the lock
// held.
func (s *Service) unlock() {
	entries := s.unpublished
	s.unpublished = nil
	s.mu.Unlock()

	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, entries...); err != nil {
		metrics.EventPublishFailures.Inc()
		slog.Error("ledger publish failed", "entries", len(entries), "err", err)
	}
}

// --- HTTP helpers ---

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", ErrInvalidRequest, err)
	}
	return nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// queryUint parses an optional unsigned query parameter.
func queryUint(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("%s must be an unsigned integer, got %q", key, raw)
	}
	return v, nil
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, amm.ErrNegativeAmount),
		errors.Is(err, margin.ErrInvalidMarginRatio),
		errors.Is(err, listing.ErrInvalidName),
		errors.Is(err, listing.ErrInvalidReserve),
		errors.Is(err, listing.ErrInvalidInitialMark),
		errors.Is(err, listing.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, model.ErrMarketNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, funding.ErrClockSkew):
		return http.StatusConflict
	case errors.Is(err, margin.ErrInsufficientCollateral),
		errors.Is(err, liquidation.ErrSufficientCollateral),
		errors.Is(err, liquidation.ErrNothingToClose),
		errors.Is(err, limits.ErrMarketLimitExceeded),
		errors.Is(err, limits.ErrNotionalLimitExceeded),
		errors.Is(err, amm.ErrTradeSizeTooLarge),
		errors.Is(err, ErrTradeTooSmall),
		errors.Is(err, ErrSlippageLimit),
		errors.Is(err, ErrNoOraclePrice),
		errors.Is(err, fixed.ErrOverflow),
		errors.Is(err, fixed.ErrDivisionByZero):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// fail writes err with its mapped status. Internal errors are logged and
// their detail withheld from the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
