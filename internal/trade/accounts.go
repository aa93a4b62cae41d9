package trade

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/store"
)

// CollateralRequest is the JSON body for POST /deposit and POST /withdraw.
type CollateralRequest struct {
	User   string      `json:"user"`
	Amount fixed.Quote `json:"amount"`
}

// AccountView is an account with its margin headroom.
type AccountView struct {
	model.UserAccount
	TotalCollateral          fixed.Quote `json:"total_collateral"`
	FreeCollateral           fixed.Quote `json:"free_collateral"`
	InitialMarginRequirement fixed.Quote `json:"initial_margin_requirement"`
}

// PositionView is one position valued against its market.
type PositionView struct {
	model.UserPosition
	Direction        model.Direction    `json:"direction,omitempty"`
	BaseAssetValue   fixed.Quote        `json:"base_asset_value"`
	UnrealizedPnL    fixed.Quote        `json:"unrealized_pnl"`
	EntryPrice       fixed.Price        `json:"entry_price"`
	MarkPrice        fixed.Price        `json:"mark_price"`
	UnsettledFunding fixed.Quote        `json:"unsettled_funding"`
	LiquidationPrice liquidation.Result `json:"liquidation_price"`
}

// SettleFundingResponse is the JSON body of POST /users/{address}/settle-funding.
type SettleFundingResponse struct {
	Account  model.UserAccount            `json:"account"`
	Payments []model.FundingPaymentRecord `json:"payments"`
}

// LiquidationPriceResponse is the JSON body of GET /users/{address}/liquidation-price.
type LiquidationPriceResponse struct {
	MarketIndex    uint64             `json:"market_index"`
	BaseSizeChange fixed.Base         `json:"base_size_change"`
	Partial        bool               `json:"partial"`
	Result         liquidation.Result `json:"result"`
}

// Deposit handles POST /api/v1/deposit
// Creates the account on first deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, model.Deposit)
}

// Withdraw handles POST /api/v1/withdraw
// The account must still meet its initial margin requirement afterwards.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCollateral(w, r, model.Withdraw)
}

func (s *Service) moveCollateral(w http.ResponseWriter, r *http.Request, dir model.DepositDirection) {
	var req CollateralRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.User == "" {
		fail(w, r, badRequest("user is required"))
		return
	}
	if !req.Amount.IsPositive() {
		fail(w, r, badRequest("amount must be positive"))
		return
	}

	acct, err := s.collateral(r.Context(), req, dir)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Service) collateral(ctx context.Context, req CollateralRequest, dir model.DepositDirection) (model.UserAccount, error) {
	s.mu.Lock()
	defer s.unlock()

	markets, err := store.MarketSet(ctx, s.store)
	if err != nil {
		return model.UserAccount{}, err
	}
	var stored model.UserAccount
	if dir == model.Deposit {
		stored, err = s.accountOrNew(ctx, req.User)
	} else {
		var a *model.UserAccount
		if a, err = s.store.GetAccount(ctx, req.User); err == nil {
			stored = *a
		}
	}
	if err != nil {
		return model.UserAccount{}, err
	}

	acct, paid, err := funding.SettleAll(stored, markets)
	if err != nil {
		return model.UserAccount{}, err
	}
	rec := &model.DepositRecord{
		Direction:                dir,
		Amount:                   req.Amount,
		CollateralBefore:         acct.Collateral,
		CumulativeDepositsBefore: acct.CumulativeDeposits,
	}

	var c fixed.Calc
	if dir == model.Deposit {
		acct.Collateral = fixed.Of[fixed.QuoteScale](c.Add(acct.Collateral.Int(), req.Amount.Int()))
		acct.CumulativeDeposits = fixed.Of[fixed.QuoteScale](c.Add(acct.CumulativeDeposits.Int(), req.Amount.Int()))
	} else {
		if req.Amount.GreaterThan(acct.Collateral) {
			return model.UserAccount{}, fmt.Errorf("%w: withdraw %s exceeds collateral %s",
				margin.ErrInsufficientCollateral, req.Amount, acct.Collateral)
		}
		acct.Collateral = fixed.Of[fixed.QuoteScale](c.Sub(acct.Collateral.Int(), req.Amount.Int()))
		acct.CumulativeDeposits = fixed.Of[fixed.QuoteScale](c.Sub(acct.CumulativeDeposits.Int(), req.Amount.Int()))
	}
	if err := c.Err(); err != nil {
		return model.UserAccount{}, err
	}

	if dir == model.Withdraw {
		ok, err := margin.NewCalculator(markets).MeetsInitialMarginRequirement(acct)
		if err != nil {
			return model.UserAccount{}, err
		}
		if !ok {
			return model.UserAccount{}, fmt.Errorf("%w: withdrawal would breach the initial margin requirement",
				margin.ErrInsufficientCollateral)
		}
	}

	now := s.now().UTC()
	entry := newEntry(model.KindDeposit, req.User, margin.NoMarket, now)
	entry.Deposit = rec
	cs := &store.Changeset{
		Accounts: []model.UserAccount{acct},
		Entries:  append(fundingEntries(req.User, paid, now), entry),
	}
	if err := s.commit(ctx, cs); err != nil {
		return model.UserAccount{}, err
	}

	slog.Info("collateral moved",
		"user", req.User,
		"direction", dir,
		"amount", req.Amount.String(),
		"collateral", acct.Collateral.String(),
	)
	return acct, nil
}

// GetUser handles GET /api/v1/users/{address}
func (s *Service) GetUser(w http.ResponseWriter, r *http.Request) {
	a, markets, err := s.accountSnapshot(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		fail(w, r, err)
		return
	}

	calc := margin.NewCalculator(markets)
	total, err := calc.TotalCollateral(a)
	if err != nil {
		fail(w, r, err)
		return
	}
	free, _, err := calc.FreeCollateral(a, margin.NoMarket)
	if err != nil {
		fail(w, r, err)
		return
	}
	req, err := calc.MarginRequirement(a, margin.NoMarket, margin.Initial)
	if err != nil {
		fail(w, r, err)
		return
	}
	if a.Positions == nil {
		a.Positions = []model.UserPosition{}
	}
	writeJSON(w, http.StatusOK, AccountView{
		UserAccount:              a,
		TotalCollateral:          total,
		FreeCollateral:           free,
		InitialMarginRequirement: req,
	})
}

// GetPosition handles GET /api/v1/users/{address}/positions/{market}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ref, err := s.lookupMarket(ctx, chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}
	a, markets, err := s.accountSnapshot(ctx, chi.URLParam(r, "address"))
	if err != nil {
		fail(w, r, err)
		return
	}
	// The index is immutable; the reserves come from the snapshot.
	market, err := markets.Get(ref.Index)
	if err != nil {
		fail(w, r, err)
		return
	}

	view, err := positionView(a, market, markets)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func positionView(a model.UserAccount, m model.Market, markets model.MarketSet) (PositionView, error) {
	pos := a.PositionOrEmpty(m.Index)
	mark, err := amm.MarkPrice(m)
	if err != nil {
		return PositionView{}, err
	}
	view := PositionView{UserPosition: pos, MarkPrice: mark, LiquidationPrice: liquidation.NotLiquidatable()}
	if !pos.IsOpen() {
		return view, nil
	}

	view.Direction = pos.Direction()
	if view.BaseAssetValue, view.UnrealizedPnL, err = position.BaseAssetValueAndPnL(m, pos); err != nil {
		return PositionView{}, err
	}
	if view.EntryPrice, err = amm.AveragePrice(pos.QuoteAssetAmount, pos.BaseAssetAmount); err != nil {
		return PositionView{}, err
	}
	if view.UnsettledFunding, err = funding.Payment(m, pos); err != nil {
		return PositionView{}, err
	}
	if view.LiquidationPrice, err = liquidation.NewSolver(markets).Price(a, m.Index, fixed.Base{}, false); err != nil {
		return PositionView{}, err
	}
	return view, nil
}

// SettleFunding handles POST /api/v1/users/{address}/settle-funding
func (s *Service) SettleFunding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")

	s.mu.Lock()
	defer s.unlock()

	acct, _, paid, err := s.settledAccount(ctx, address)
	if err != nil {
		fail(w, r, err)
		return
	}

	payments := make([]model.FundingPaymentRecord, 0, len(paid))
	for _, p := range paid {
		payments = append(payments, *p.Record)
	}
	if len(paid) > 0 {
		now := s.now().UTC()
		cs := &store.Changeset{
			Accounts: []model.UserAccount{acct},
			Entries:  fundingEntries(address, paid, now),
		}
		if err := s.commit(ctx, cs); err != nil {
			fail(w, r, err)
			return
		}
		slog.Info("funding settled", "user", address, "markets", len(paid), "collateral", acct.Collateral.String())
	}
	writeJSON(w, http.StatusOK, SettleFundingResponse{Account: acct, Payments: payments})
}

// GetMargin handles GET /api/v1/users/{address}/margin
// Returns the account's liquidation status.
func (s *Service) GetMargin(w http.ResponseWriter, r *http.Request) {
	a, markets, err := s.accountSnapshot(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		fail(w, r, err)
		return
	}
	st, err := margin.NewCalculator(markets).Status(a)
	if err != nil {
		fail(w, r, err)
		return
	}
	if st.Markets == nil {
		st.Markets = []margin.MarketStatus{}
	}
	writeJSON(w, http.StatusOK, st)
}

// GetLiquidationPrice handles
// GET /api/v1/users/{address}/liquidation-price?market_index=&base_size_change=&partial=
func (s *Service) GetLiquidationPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	index, err := queryUint(r, "market_index")
	if err != nil {
		fail(w, r, err)
		return
	}
	if index == 0 {
		fail(w, r, badRequest("market_index is required"))
		return
	}
	var change fixed.Base
	if raw := q.Get("base_size_change"); raw != "" {
		if change, err = fixed.Parse[fixed.BaseScale](raw); err != nil {
			fail(w, r, badRequest("base_size_change: %v", err))
			return
		}
	}
	var partial bool
	if raw := q.Get("partial"); raw != "" {
		if partial, err = strconv.ParseBool(raw); err != nil {
			fail(w, r, badRequest("partial must be a boolean, got %q", raw))
			return
		}
	}

	a, markets, err := s.accountSnapshot(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		fail(w, r, err)
		return
	}
	res, err := liquidation.NewSolver(markets).Price(a, index, change, partial)
	if err != nil {
		fail(w, r, err)
		return
	}

	outcome := "safe"
	if res.Liquidatable() {
		outcome = "liquidatable"
	}
	metrics.LiquidationPriceQueries.WithLabelValues(outcome).Inc()

	writeJSON(w, http.StatusOK, LiquidationPriceResponse{
		MarketIndex:    index,
		BaseSizeChange: change,
		Partial:        partial,
		Result:         res,
	})
}
