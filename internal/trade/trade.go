package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fees"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/limits"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
	"github.com/atmx/perp-engine/internal/store"
)

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	User            string     `json:"user"`
	MarketIndex     uint64     `json:"market_index"`
	Direction       string     `json:"direction"` // "LONG" or "SHORT"
	BaseAssetAmount fixed.Base `json:"base_asset_amount"`
	// LimitPrice, if set, is the worst acceptable entry price.
	LimitPrice fixed.Price `json:"limit_price"`
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID        string             `json:"trade_id"`
	Seq            uint64             `json:"seq"`
	User           string             `json:"user"`
	MarketIndex    uint64             `json:"market_index"`
	Trade          model.TradeRecord  `json:"trade"`
	Position       model.UserPosition `json:"position"`
	Collateral     fixed.Quote        `json:"collateral"`
	FundingSettled int                `json:"funding_settled"`
	ReduceOnly     bool               `json:"reduce_only"`
	RiskIncreasing bool               `json:"risk_increasing"`
}

// ExecuteTrade handles POST /api/v1/trade
// Settles funding, executes against the vAMM and returns the fill and the
// updated position.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req TradeRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	// --- Input validation ---
	if req.User == "" {
		fail(w, r, badRequest("user is required"))
		return
	}
	dir, err := model.ParseDirection(req.Direction)
	if err != nil {
		fail(w, r, badRequest("%v", err))
		return
	}
	if !req.BaseAssetAmount.IsPositive() {
		fail(w, r, badRequest("base_asset_amount must be positive"))
		return
	}

	resp, err := s.trade(r.Context(), req, dir)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(rejectionReason(err)).Inc()
		fail(w, r, err)
		return
	}
	metrics.TradeLatency.WithLabelValues(string(dir)).Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusOK, resp)
}

// trade runs one trade under the service lock.
func (s *Service) trade(ctx context.Context, req TradeRequest, dir model.Direction) (TradeResponse, error) {
	s.mu.Lock()
	defer s.unlock()

	markets, err := store.MarketSet(ctx, s.store)
	if err != nil {
		return TradeResponse{}, err
	}
	m, err := markets.Get(req.MarketIndex)
	if err != nil {
		return TradeResponse{}, err
	}
	if req.BaseAssetAmount.LessThan(m.MinimumBaseAssetTradeSize) {
		return TradeResponse{}, fmt.Errorf("%w: %s < %s", ErrTradeTooSmall, req.BaseAssetAmount, m.MinimumBaseAssetTradeSize)
	}
	stored, err := s.store.GetAccount(ctx, req.User)
	if err != nil {
		return TradeResponse{}, err
	}

	// Funding is settled first so the trade sees current collateral.
	acct, paid, err := funding.SettleAll(*stored, markets)
	if err != nil {
		return TradeResponse{}, err
	}
	before := acct.PositionOrEmpty(m.Index)

	ex, err := position.Trade(m, before, dir, req.BaseAssetAmount)
	if err != nil {
		return TradeResponse{}, err
	}
	entryPrice, err := amm.AveragePrice(ex.QuoteAssetAmount, ex.BaseAssetAmount)
	if err != nil {
		return TradeResponse{}, err
	}
	if req.LimitPrice.IsPositive() {
		if (dir == model.Long && entryPrice.GreaterThan(req.LimitPrice)) ||
			(dir == model.Short && entryPrice.LessThan(req.LimitPrice)) {
			return TradeResponse{}, fmt.Errorf("%w: entry %s, limit %s", ErrSlippageLimit, entryPrice, req.LimitPrice)
		}
	}

	fee, err := s.fees.ForTrade(ex.QuoteAssetAmount)
	if err != nil {
		return TradeResponse{}, err
	}

	now := s.now().UTC()
	after, err := fees.Collect(ex.Market, fee)
	if err != nil {
		return TradeResponse{}, err
	}
	after.LastMarkPriceTwap, err = amm.NewMarkTwap(m, now.Unix(), ex.MarkPriceBefore)
	if err != nil {
		return TradeResponse{}, err
	}
	after.LastMarkPriceTwapTs = now.Unix()

	post := make(model.MarketSet, len(markets))
	for idx, mk := range markets {
		post[idx] = mk
	}
	post[after.Index] = after

	if ex.PotentiallyRiskIncreasing {
		if err := s.checkLimits(acct, markets, before, ex, after); err != nil {
			return TradeResponse{}, err
		}
	}

	var c fixed.Calc
	net := fixed.Of[fixed.QuoteScale](c.Sub(ex.RealizedPnL.Int(), fee.Int()))
	acct.TotalFeePaid = fixed.Of[fixed.QuoteScale](c.Add(acct.TotalFeePaid.Int(), fee.Int()))
	if err := c.Err(); err != nil {
		return TradeResponse{}, err
	}
	acct.Collateral, err = position.UpdatedCollateral(acct.Collateral, net)
	if err != nil {
		return TradeResponse{}, err
	}
	acct.SetPosition(ex.Position)

	if ex.PotentiallyRiskIncreasing {
		ok, err := margin.NewCalculator(post).MeetsInitialMarginRequirement(acct)
		if err != nil {
			return TradeResponse{}, err
		}
		if !ok {
			return TradeResponse{}, fmt.Errorf("%w: trade would breach the initial margin requirement", margin.ErrInsufficientCollateral)
		}
	}

	// Create immutable ledger entries.
	entry := newEntry(model.KindTrade, req.User, m.Index, now)
	entry.Trade = &model.TradeRecord{
		Direction:        dir,
		BaseAssetAmount:  ex.BaseAssetAmount,
		QuoteAssetAmount: ex.QuoteAssetAmount,
		MarkPriceBefore:  ex.MarkPriceBefore,
		MarkPriceAfter:   ex.MarkPriceAfter,
		EntryPrice:       entryPrice,
		OraclePrice:      m.LastOraclePrice,
		RealizedPnL:      ex.RealizedPnL,
		Fee:              fee,
	}
	entries := append(fundingEntries(req.User, paid, now), entry)

	cs := &store.Changeset{
		Markets:  []model.Market{after},
		Accounts: []model.UserAccount{acct},
		Entries:  entries,
	}
	if err := s.commit(ctx, cs); err != nil {
		return TradeResponse{}, err
	}

	metrics.TradesTotal.WithLabelValues(string(dir)).Inc()
	metrics.MarketVolume.WithLabelValues(m.Name, string(dir)).Add(ex.BaseAssetAmount.Float64())
	metrics.MarkPrice.WithLabelValues(m.Name).Set(ex.MarkPriceAfter.Float64())
	metrics.TradeFees.WithLabelValues(m.Name).Add(fee.Float64())

	slog.Info("trade executed",
		"trade_id", entry.ID,
		"user", req.User,
		"market_index", m.Index,
		"direction", dir,
		"base", ex.BaseAssetAmount.String(),
		"quote", ex.QuoteAssetAmount.String(),
		"entry_price", entryPrice.String(),
		"mark_after", ex.MarkPriceAfter.String(),
		"realized_pnl", ex.RealizedPnL.String(),
		"fee", fee.String(),
	)

	// Broadcast mark price update via WebSocket.
	s.wsHub.Broadcast(WSMessage{
		Type:            MsgTradeExecuted,
		MarketIndex:     m.Index,
		Market:          m.Name,
		MarkPrice:       ex.MarkPriceAfter.String(),
		Direction:       string(dir),
		BaseAssetAmount: ex.BaseAssetAmount.String(),
	})

	return TradeResponse{
		TradeID:        entry.ID,
		Seq:            entry.Seq,
		User:           req.User,
		MarketIndex:    m.Index,
		Trade:          *entry.Trade,
		Position:       ex.Position,
		Collateral:     acct.Collateral,
		FundingSettled: len(paid),
		ReduceOnly:     ex.ReduceOnly,
		RiskIncreasing: ex.PotentiallyRiskIncreasing,
	}, nil
}

// checkLimits applies the position limiter to a risk-increasing execution.
// acct and markets are the pre-trade snapshot.
func (s *Service) checkLimits(acct model.UserAccount, markets model.MarketSet, before model.UserPosition, ex position.Execution, after model.Market) error {
	if s.limiter == nil {
		return nil
	}
	existing, err := limits.Exposures(acct, markets)
	if err != nil {
		return err
	}
	notional, err := position.BaseAssetValue(after, ex.Position)
	if err != nil {
		return err
	}
	var c fixed.Calc
	delta := fixed.Of[fixed.BaseScale](c.Sub(ex.Position.BaseAssetAmount.Int(), before.BaseAssetAmount.Int()))
	if err := c.Err(); err != nil {
		return err
	}
	if err := s.limiter.CheckLimit(after.Index, delta, notional, existing); err != nil {
		metrics.PositionLimitRejections.Inc()
		return err
	}
	return nil
}

// rejectionReason labels a failed trade for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, margin.ErrInsufficientCollateral):
		return "margin"
	case errors.Is(err, limits.ErrMarketLimitExceeded), errors.Is(err, limits.ErrNotionalLimitExceeded):
		return "limit"
	case errors.Is(err, ErrSlippageLimit):
		return "slippage"
	case errors.Is(err, amm.ErrTradeSizeTooLarge), errors.Is(err, ErrTradeTooSmall):
		return "size"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, model.ErrMarketNotFound):
		return "not_found"
	}
	return "other"
}
