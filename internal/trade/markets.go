package trade

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/listing"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/store"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market listing.
type CreateMarketRequest struct {
	MarketIndex      uint64        `json:"market_index"` // 0 → next free index
	Name             string        `json:"name"`         // {SYMBOL}-PERP
	InitialPrice     fixed.Price   `json:"initial_price"`
	BaseAssetReserve fixed.Reserve `json:"base_asset_reserve"` // 0 → default depth
	FundingPeriod    int64         `json:"funding_period"`     // seconds; 0 → service default

	MarginRatioInitial     int64 `json:"margin_ratio_initial"`
	MarginRatioPartial     int64 `json:"margin_ratio_partial"`
	MarginRatioMaintenance int64 `json:"margin_ratio_maintenance"`
}

// MarketView is a market with its current mark price.
type MarketView struct {
	model.Market
	MarkPrice fixed.Price `json:"mark_price"`
}

func viewOf(m model.Market) (MarketView, error) {
	mark, err := amm.MarkPrice(m)
	if err != nil {
		return MarketView{}, err
	}
	return MarketView{Market: m, MarkPrice: mark}, nil
}

// PriceResponse is the JSON body of GET /markets/{market}/price.
type PriceResponse struct {
	MarketIndex     uint64      `json:"market_index"`
	MarkPrice       fixed.Price `json:"mark_price"`
	MarkPriceTwap   fixed.Price `json:"mark_price_twap"`
	OraclePrice     fixed.Price `json:"oracle_price"`
	OraclePriceTwap fixed.Price `json:"oracle_price_twap"`
}

// QuoteRequest sizes a simulated trade in exactly one of base or quote.
type QuoteRequest struct {
	Direction        string       `json:"direction"`
	BaseAssetAmount  *fixed.Base  `json:"base_asset_amount,omitempty"`
	QuoteAssetAmount *fixed.Quote `json:"quote_asset_amount,omitempty"`
}

// QuoteResponse is a simulated trade. Nothing is committed.
type QuoteResponse struct {
	amm.Slippage
	PriceImpact fixed.Price `json:"price_impact"`
}

// MaxTradeResponse is the trade that moves the mark to a limit price.
type MaxTradeResponse struct {
	LimitPrice      fixed.Price     `json:"limit_price"`
	Direction       model.Direction `json:"direction"`
	BaseAssetAmount fixed.Base      `json:"base_asset_amount"`
}

// OracleRequest is the JSON body of PUT /markets/{market}/oracle.
type OracleRequest struct {
	Price fixed.Price `json:"price"`
}

// FundingRequest optionally supplies the oracle price for a funding update;
// the market's last oracle price is used otherwise.
type FundingRequest struct {
	OraclePrice fixed.Price `json:"oracle_price"`
}

// FundingResponse reports whether a funding update was due and applied.
type FundingResponse struct {
	Updated bool                     `json:"updated"`
	Market  MarketView               `json:"market"`
	Record  *model.FundingRateRecord `json:"record,omitempty"`
}

// --- HTTP Handlers ---

// CreateMarket handles POST /api/v1/markets
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.unlock()

	existing, err := s.store.ListMarkets(ctx)
	if err != nil {
		fail(w, r, err)
		return
	}
	index := req.MarketIndex
	if index == 0 {
		index = 1
		if n := len(existing); n > 0 {
			index = existing[n-1].Index + 1
		}
	}
	period := req.FundingPeriod
	if period == 0 {
		period = s.fundingPeriod
	}

	market, err := listing.NewMarket(listing.Params{
		Index:                  index,
		Name:                   req.Name,
		InitialPrice:           req.InitialPrice,
		BaseAssetReserve:       req.BaseAssetReserve,
		FundingPeriod:          period,
		MarginRatioInitial:     req.MarginRatioInitial,
		MarginRatioPartial:     req.MarginRatioPartial,
		MarginRatioMaintenance: req.MarginRatioMaintenance,
	}, s.now())
	if err != nil {
		fail(w, r, err)
		return
	}
	// The feed starts at the listing price until the first oracle update.
	market.LastOraclePrice = req.InitialPrice
	market.LastOraclePriceTwap = req.InitialPrice

	if err := s.store.CreateMarket(ctx, &market); err != nil {
		fail(w, r, err)
		return
	}
	metrics.ActiveMarkets.Set(float64(len(existing) + 1))

	view, err := viewOf(market)
	if err != nil {
		fail(w, r, err)
		return
	}

	slog.Info("market listed",
		"market_index", market.Index,
		"name", market.Name,
		"peg", market.PegMultiplier.String(),
		"sqrt_k", market.SqrtK.String(),
		"funding_period", market.FundingPeriod,
	)

	s.wsHub.Broadcast(WSMessage{
		Type:        MsgMarketListed,
		MarketIndex: market.Index,
		Market:      market.Name,
		MarkPrice:   view.MarkPrice.String(),
	})

	writeJSON(w, http.StatusCreated, view)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}

	views := make([]MarketView, 0, len(markets))
	for _, m := range markets {
		v, err := viewOf(m)
		if err != nil {
			fail(w, r, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{market}
// The market is addressed by index or by name.
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}
	view, err := viewOf(*market)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetPrice handles GET /api/v1/markets/{market}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.lookupMarket(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}
	mark, err := amm.MarkPrice(*market)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		MarketIndex:     market.Index,
		MarkPrice:       mark,
		MarkPriceTwap:   market.LastMarkPriceTwap,
		OraclePrice:     market.LastOraclePrice,
		OraclePriceTwap: market.LastOraclePriceTwap,
	})
}

// Quote handles POST /api/v1/markets/{market}/quote
// Simulates a trade against the current reserves without committing it.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	dir, err := model.ParseDirection(req.Direction)
	if err != nil {
		fail(w, r, badRequest("%v", err))
		return
	}
	if (req.BaseAssetAmount == nil) == (req.QuoteAssetAmount == nil) {
		fail(w, r, badRequest("exactly one of base_asset_amount and quote_asset_amount is required"))
		return
	}

	market, err := s.lookupMarket(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}

	var slip amm.Slippage
	if req.BaseAssetAmount != nil {
		slip, err = amm.TradeSlippage(dir, *req.BaseAssetAmount, *market)
	} else {
		slip, err = amm.QuoteTradeSlippage(dir, *req.QuoteAssetAmount, *market)
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{Slippage: slip, PriceImpact: slip.PriceImpact()})
}

// MaxTrade handles GET /api/v1/markets/{market}/max-trade?limit_price=
func (s *Service) MaxTrade(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("limit_price")
	limit, err := fixed.Parse[fixed.PriceScale](raw)
	if err != nil || !limit.IsPositive() {
		fail(w, r, badRequest("limit_price must be a positive integer, got %q", raw))
		return
	}
	market, err := s.lookupMarket(r.Context(), chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}
	base, dir, err := amm.MaxBaseAssetAmountToTrade(*market, limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MaxTradeResponse{LimitPrice: limit, Direction: dir, BaseAssetAmount: base})
}

// SetOracle handles PUT /api/v1/markets/{market}/oracle
// Records the latest external price. It is folded into the oracle TWAP at
// the next funding update.
func (s *Service) SetOracle(w http.ResponseWriter, r *http.Request) {
	var req OracleRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if !req.Price.IsPositive() {
		fail(w, r, badRequest("price must be positive"))
		return
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.unlock()

	market, err := s.lookupMarket(ctx, chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}
	market.LastOraclePrice = req.Price
	if err := s.commit(ctx, &store.Changeset{Markets: []model.Market{*market}}); err != nil {
		fail(w, r, err)
		return
	}

	s.wsHub.Broadcast(WSMessage{
		Type:        MsgOracleUpdated,
		MarketIndex: market.Index,
		Market:      market.Name,
		OraclePrice: req.Price.String(),
	})

	view, err := viewOf(*market)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateFunding handles POST /api/v1/markets/{market}/funding
// Applies the period's funding rate if an update is due.
func (s *Service) UpdateFunding(w http.ResponseWriter, r *http.Request) {
	var req FundingRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			fail(w, r, err)
			return
		}
	}

	ctx := r.Context()
	s.mu.Lock()
	defer s.unlock()

	market, err := s.lookupMarket(ctx, chi.URLParam(r, "market"))
	if err != nil {
		fail(w, r, err)
		return
	}
	oracle := req.OraclePrice
	if oracle.IsZero() {
		oracle = market.LastOraclePrice
	}
	if !oracle.IsPositive() {
		fail(w, r, ErrNoOraclePrice)
		return
	}

	now := s.now().UTC()
	updated, rec, err := funding.UpdateRate(*market, oracle, now.Unix())
	if err != nil {
		fail(w, r, err)
		return
	}
	if rec == nil {
		view, err := viewOf(*market)
		if err != nil {
			fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, FundingResponse{Market: view})
		return
	}

	entry := newEntry(model.KindFundingRate, "", updated.Index, now)
	entry.FundingRate = rec
	cs := &store.Changeset{Markets: []model.Market{updated}, Entries: []*model.LedgerEntry{entry}}
	if err := s.commit(ctx, cs); err != nil {
		fail(w, r, err)
		return
	}
	metrics.FundingRateUpdates.WithLabelValues(updated.Name).Inc()

	slog.Info("funding rate updated",
		"market_index", updated.Index,
		"funding_rate", rec.FundingRate.String(),
		"cumulative", rec.CumulativeFundingRate.String(),
		"mark_twap", rec.MarkPriceTwap.String(),
		"oracle_twap", rec.OraclePriceTwap.String(),
	)

	s.wsHub.Broadcast(WSMessage{
		Type:                  MsgFundingUpdated,
		MarketIndex:           updated.Index,
		Market:                updated.Name,
		FundingRate:           rec.FundingRate.String(),
		CumulativeFundingRate: rec.CumulativeFundingRate.String(),
	})

	view, err := viewOf(updated)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FundingResponse{Updated: true, Market: view, Record: rec})
}
