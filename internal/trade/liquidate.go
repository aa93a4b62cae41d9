package trade

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/liquidation"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// MsgLiquidation is broadcast for every market a liquidation traded in.
const MsgLiquidation = "liquidation"

// LiquidateRequest is the JSON body for POST /liquidate.
type LiquidateRequest struct {
	Liquidator string `json:"liquidator"`
	User       string `json:"user"`
}

// LiquidateResponse is the JSON body returned from POST /liquidate.
type LiquidateResponse struct {
	LiquidationID        string                  `json:"liquidation_id"`
	Seq                  uint64                  `json:"seq"`
	User                 string                  `json:"user"`
	Liquidation          model.LiquidationRecord `json:"liquidation"`
	Trades               []model.TradeRecord     `json:"trades"`
	Account              model.UserAccount       `json:"account"`
	LiquidatorCollateral fixed.Quote             `json:"liquidator_collateral"`
}

// Liquidate handles POST /api/v1/liquidate
// Settles the user's funding, then partially or fully closes their positions
// if they are below the partial margin requirement. The penalty is split
// between the liquidator and the insurance fund.
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.User == "" || req.Liquidator == "" {
		fail(w, r, badRequest("user and liquidator are required"))
		return
	}
	if req.User == req.Liquidator {
		fail(w, r, badRequest("an account cannot liquidate itself"))
		return
	}

	resp, err := s.liquidate(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) liquidate(ctx context.Context, req LiquidateRequest) (LiquidateResponse, error) {
	s.mu.Lock()
	defer s.unlock()

	markets, err := store.MarketSet(ctx, s.store)
	if err != nil {
		return LiquidateResponse{}, err
	}
	stored, err := s.store.GetAccount(ctx, req.User)
	if err != nil {
		return LiquidateResponse{}, err
	}
	liquidator, err := s.store.GetAccount(ctx, req.Liquidator)
	if err != nil {
		return LiquidateResponse{}, err
	}

	acct, paid, err := funding.SettleAll(*stored, markets)
	if err != nil {
		return LiquidateResponse{}, err
	}
	out, err := liquidation.Liquidate(acct, markets, s.liquidation)
	if err != nil {
		return LiquidateResponse{}, err
	}

	now := s.now().UTC()
	entries := fundingEntries(req.User, paid, now)
	post := make([]model.Market, 0, len(out.Closes))
	trades := make([]model.TradeRecord, 0, len(out.Closes))
	tradeIDs := make([]string, 0, len(out.Closes))
	for _, ex := range out.Closes {
		before := markets[ex.Market.Index]
		after := ex.Market
		if after.LastMarkPriceTwap, err = amm.NewMarkTwap(before, now.Unix(), ex.MarkPriceBefore); err != nil {
			return LiquidateResponse{}, err
		}
		after.LastMarkPriceTwapTs = now.Unix()
		post = append(post, after)

		entryPrice, err := amm.AveragePrice(ex.QuoteAssetAmount, ex.BaseAssetAmount)
		if err != nil {
			return LiquidateResponse{}, err
		}
		e := newEntry(model.KindTrade, req.User, after.Index, now)
		e.Trade = &model.TradeRecord{
			Direction:        ex.Direction,
			BaseAssetAmount:  ex.BaseAssetAmount,
			QuoteAssetAmount: ex.QuoteAssetAmount,
			MarkPriceBefore:  ex.MarkPriceBefore,
			MarkPriceAfter:   ex.MarkPriceAfter,
			EntryPrice:       entryPrice,
			OraclePrice:      before.LastOraclePrice,
			RealizedPnL:      ex.RealizedPnL,
			Liquidation:      true,
		}
		entries = append(entries, e)
		trades = append(trades, *e.Trade)
		tradeIDs = append(tradeIDs, e.ID)
	}

	rec := &model.LiquidationRecord{
		Type:                 out.Type,
		Liquidator:           req.Liquidator,
		TotalCollateral:      out.Status.TotalCollateral,
		Collateral:           acct.Collateral,
		UnrealizedPnL:        out.Status.UnrealizedPnL,
		BaseAssetValue:       out.Status.BaseAssetValue,
		BaseAssetValueClosed: out.BaseAssetValueClosed,
		MarginRequirement:    out.Status.MarginRequirement,
		MarginRatio:          out.Status.MarginRatio,
		Penalty:              out.Penalty,
		FeeToLiquidator:      out.LiquidatorShare,
		FeeToInsuranceFund:   out.InsuranceShare,
		TradeIDs:             tradeIDs,
	}
	entry := newEntry(model.KindLiquidation, req.User, margin.NoMarket, now)
	entry.Liquidation = rec
	entries = append(entries, entry)

	accounts, err := s.payPenalty(ctx, out.Account, *liquidator, out)
	if err != nil {
		return LiquidateResponse{}, err
	}

	cs := &store.Changeset{Markets: post, Accounts: accounts, Entries: entries}
	if err := s.commit(ctx, cs); err != nil {
		return LiquidateResponse{}, err
	}

	metrics.Liquidations.WithLabelValues(string(out.Type)).Inc()
	metrics.LiquidationPenalties.WithLabelValues("liquidator").Add(out.LiquidatorShare.Float64())
	metrics.LiquidationPenalties.WithLabelValues("insurance_fund").Add(out.InsuranceShare.Float64())

	slog.Info("account liquidated",
		"liquidation_id", entry.ID,
		"user", req.User,
		"liquidator", req.Liquidator,
		"type", out.Type,
		"closed", out.BaseAssetValueClosed.String(),
		"penalty", out.Penalty.String(),
		"markets", len(out.Closes),
	)

	for i, ex := range out.Closes {
		s.wsHub.Broadcast(WSMessage{
			Type:            MsgLiquidation,
			MarketIndex:     post[i].Index,
			Market:          post[i].Name,
			MarkPrice:       ex.MarkPriceAfter.String(),
			Direction:       string(ex.Direction),
			BaseAssetAmount: ex.BaseAssetAmount.String(),
		})
	}

	resp := LiquidateResponse{
		LiquidationID: entry.ID,
		Seq:           entry.Seq,
		User:          req.User,
		Liquidation:   *rec,
		Trades:        trades,
	}
	for _, a := range accounts {
		switch a.Address {
		case req.User:
			resp.Account = a
		case req.Liquidator:
			resp.LiquidatorCollateral = a.Collateral
		}
	}
	return resp, nil
}

// payPenalty credits the liquidator and the insurance fund with their shares
// and returns every account to commit, the liquidated one first.
func (s *Service) payPenalty(ctx context.Context, user, liquidator model.UserAccount, out liquidation.Outcome) ([]model.UserAccount, error) {
	accounts := []model.UserAccount{user, liquidator}
	if s.insuranceFund != user.Address && s.insuranceFund != liquidator.Address {
		fund, err := s.accountOrNew(ctx, s.insuranceFund)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, fund)
	}

	credit := func(address string, amount fixed.Quote) error {
		for i := range accounts {
			if accounts[i].Address != address {
				continue
			}
			var c fixed.Calc
			accounts[i].Collateral = fixed.Of[fixed.QuoteScale](c.Add(accounts[i].Collateral.Int(), amount.Int()))
			return c.Err()
		}
		return nil
	}
	if err := credit(liquidator.Address, out.LiquidatorShare); err != nil {
		return nil, err
	}
	if err := credit(s.insuranceFund, out.InsuranceShare); err != nil {
		return nil, err
	}
	return accounts, nil
}
