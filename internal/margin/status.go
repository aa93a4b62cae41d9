package margin

import (
	"sort"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// LiquidationType is the severity of an account's margin shortfall.
type LiquidationType string

const (
	LiquidationNone    LiquidationType = "NONE"
	LiquidationPartial LiquidationType = "PARTIAL"
	LiquidationFull    LiquidationType = "FULL"
)

// MarketStatus is the margin picture of one open position.
type MarketStatus struct {
	MarketIndex                  uint64      `json:"market_index"`
	BaseAssetValue               fixed.Quote `json:"base_asset_value"`
	UnrealizedPnL                fixed.Quote `json:"unrealized_pnl"`
	PartialMarginRequirement     fixed.Quote `json:"partial_margin_requirement"`
	MaintenanceMarginRequirement fixed.Quote `json:"maintenance_margin_requirement"`
	MarkPrice                    fixed.Price `json:"mark_price"`
}

// LiquidationStatus summarises whether an account can be liquidated.
// Markets are ordered so the largest requirement of the applicable kind
// comes first.
type LiquidationStatus struct {
	Type              LiquidationType `json:"liquidation_type"`
	MarginRequirement fixed.Quote     `json:"margin_requirement"`
	TotalCollateral   fixed.Quote     `json:"total_collateral"`
	UnrealizedPnL     fixed.Quote     `json:"unrealized_pnl"`
	BaseAssetValue    fixed.Quote     `json:"base_asset_value"`
	// MarginRatio is nil for an account without exposure.
	MarginRatio *fixed.Ratio   `json:"margin_ratio"`
	Markets     []MarketStatus `json:"markets"`
}

// Status computes the liquidation status of account. Total collateral here
// is floored at zero, as for a live account.
func (c *Calculator) Status(account model.UserAccount) (LiquidationStatus, error) {
	var calc fixed.Calc
	partialSum, maintenanceSum := fixed.Int{}, fixed.Int{}
	valueSum, pnlSum := fixed.Int{}, fixed.Int{}
	var markets []MarketStatus

	err := c.forEachOpen(account, NoMarket, func(m model.Market, pos model.UserPosition) error {
		value, pnl, err := position.BaseAssetValueAndPnL(m, pos)
		if err != nil {
			return err
		}
		mark, err := amm.MarkPrice(m)
		if err != nil {
			return err
		}
		partial := calc.Mul(value.Int(), m.MarginRatioPartial.Int())
		maintenance := calc.Mul(value.Int(), m.MarginRatioMaintenance.Int())
		partialSum = calc.Add(partialSum, partial)
		maintenanceSum = calc.Add(maintenanceSum, maintenance)
		valueSum = calc.Add(valueSum, value.Int())
		pnlSum = calc.Add(pnlSum, pnl.Int())
		markets = append(markets, MarketStatus{
			MarketIndex:                  pos.MarketIndex,
			BaseAssetValue:               value,
			UnrealizedPnL:                pnl,
			PartialMarginRequirement:     fixed.Of[fixed.QuoteScale](calc.QuoInt64(partial, fixed.MarginPrecision)),
			MaintenanceMarginRequirement: fixed.Of[fixed.QuoteScale](calc.QuoInt64(maintenance, fixed.MarginPrecision)),
			MarkPrice:                    mark,
		})
		return calc.Err()
	})
	if err != nil {
		return LiquidationStatus{}, err
	}

	partialReq := fixed.Of[fixed.QuoteScale](calc.QuoInt64(partialSum, fixed.MarginPrecision))
	maintenanceReq := fixed.Of[fixed.QuoteScale](calc.QuoInt64(maintenanceSum, fixed.MarginPrecision))
	if err := calc.Err(); err != nil {
		return LiquidationStatus{}, err
	}

	adjusted, err := c.TotalCollateral(account)
	if err != nil {
		return LiquidationStatus{}, err
	}
	total := adjusted
	if total.IsNegative() {
		total = fixed.Quote{}
	}

	st := LiquidationStatus{
		Type:              LiquidationNone,
		MarginRequirement: partialReq,
		TotalCollateral:   total,
		UnrealizedPnL:     fixed.Of[fixed.QuoteScale](pnlSum),
		BaseAssetValue:    fixed.Of[fixed.QuoteScale](valueSum),
		Markets:           markets,
	}
	switch {
	case total.LessThan(maintenanceReq):
		st.Type = LiquidationFull
		st.MarginRequirement = maintenanceReq
		sort.SliceStable(st.Markets, func(i, j int) bool {
			return st.Markets[i].MaintenanceMarginRequirement.GreaterThan(st.Markets[j].MaintenanceMarginRequirement)
		})
	case total.LessThan(partialReq):
		st.Type = LiquidationPartial
		sort.SliceStable(st.Markets, func(i, j int) bool {
			return st.Markets[i].PartialMarginRequirement.GreaterThan(st.Markets[j].PartialMarginRequirement)
		})
	}

	if !valueSum.IsZero() {
		r := fixed.Of[fixed.RatioScale](calc.Quo(calc.MulInt64(total.Int(), fixed.MarginPrecision), valueSum))
		if err := calc.Err(); err != nil {
			return LiquidationStatus{}, err
		}
		st.MarginRatio = &r
	}
	return st, nil
}
