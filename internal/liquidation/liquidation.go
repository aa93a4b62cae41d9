// Package liquidation solves for the mark price at which an account's free
// collateral in one market falls to its margin requirement, and executes
// liquidations of accounts that have already crossed it.
package liquidation

import (
	"encoding/json"
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// Result is either a liquidation price or the explicit absence of one.
// The zero value is NotLiquidatable.
type Result struct {
	price        fixed.Price
	liquidatable bool
}

// At returns a result carrying price p.
func At(p fixed.Price) Result { return Result{price: p, liquidatable: true} }

// NotLiquidatable returns the result for a position that no reachable mark
// price can liquidate.
func NotLiquidatable() Result { return Result{} }

// Price returns the liquidation price and true, or false when there is none.
func (r Result) Price() (fixed.Price, bool) { return r.price, r.liquidatable }

func (r Result) Liquidatable() bool { return r.liquidatable }

// Sentinel returns the price, or -1 when there is none, for callers that
// speak the flat integer wire format.
func (r Result) Sentinel() fixed.Int {
	if !r.liquidatable {
		return fixed.NewInt(-1)
	}
	return r.price.Int()
}

func (r Result) String() string {
	if !r.liquidatable {
		return "not liquidatable"
	}
	return r.price.String()
}

type resultJSON struct {
	Liquidatable bool      `json:"liquidatable"`
	Price        fixed.Int `json:"price"`
}

// MarshalJSON encodes {"liquidatable":bool,"price":"<price or -1>"}.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{Liquidatable: r.liquidatable, Price: r.Sentinel()})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var v resultJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if !v.Liquidatable || v.Price.IsNegative() {
		*r = NotLiquidatable()
		return nil
	}
	*r = At(fixed.Of[fixed.PriceScale](v.Price))
	return nil
}

// Solver computes liquidation prices against the snapshot held by Margin.
type Solver struct {
	Margin *margin.Calculator
}

// NewSolver returns a Solver over markets with the default collateral
// bookkeeping.
func NewSolver(markets model.MarketSet) *Solver {
	return &Solver{Margin: margin.NewCalculator(markets)}
}

// Price returns the mark price of market marketIndex at which account
// becomes liquidatable after changing its position there by baseSizeChange.
// A zero change evaluates the current position. partial selects the partial
// ratio instead of maintenance.
func (s *Solver) Price(account model.UserAccount, marketIndex uint64, baseSizeChange fixed.Base, partial bool) (Result, error) {
	calc := s.Margin
	kind := margin.LiquidationKind(partial)

	m, err := calc.Markets.Get(marketIndex)
	if err != nil {
		return Result{}, err
	}
	if err := m.Validate(); err != nil {
		return Result{}, err
	}

	totalCollateral, err := calc.TotalCollateral(account)
	if err != nil {
		return Result{}, err
	}
	valueExcluding, err := calc.TotalPositionValueExcludingMarket(account, marketIndex)
	if err != nil {
		return Result{}, err
	}

	current := account.PositionOrEmpty(marketIndex)
	var c fixed.Calc
	proposedBase := fixed.Of[fixed.BaseScale](c.Add(current.BaseAssetAmount.Int(), baseSizeChange.Int()))
	if err := c.Err(); err != nil {
		return Result{}, fmt.Errorf("liquidation: proposed size: %w", err)
	}
	if proposedBase.IsZero() {
		return NotLiquidatable(), nil
	}

	proposed := model.UserPosition{
		MarketIndex:               marketIndex,
		BaseAssetAmount:           proposedBase,
		LastCumulativeFundingRate: current.LastCumulativeFundingRate,
	}
	proposedValue, err := position.BaseAssetValue(m, proposed)
	if err != nil {
		return Result{}, err
	}

	reqExcluding, err := calc.MarginRequirement(account, marketIndex, kind)
	if err != nil {
		return Result{}, err
	}
	freeExcluding := c.Sub(totalCollateral.Int(), reqExcluding.Int())

	// Enough collateral to cover every position at full value: no price
	// move in this market can breach the requirement.
	if !c.Add(valueExcluding.Int(), proposedValue.Int()).GreaterThan(freeExcluding) {
		if err := c.Err(); err != nil {
			return Result{}, fmt.Errorf("liquidation: free collateral: %w", err)
		}
		return NotLiquidatable(), nil
	}

	proposedReq, err := margin.Requirement(proposedValue, kind.Of(m))
	if err != nil {
		return Result{}, err
	}
	freeAfter := c.Sub(totalCollateral.Int(), c.Add(reqExcluding.Int(), proposedReq.Int()))

	maxLeverage, err := margin.MaxLeverage(m, kind)
	if err != nil {
		return Result{}, err
	}
	tenThousand := fixed.NewInt(fixed.TenThousand)
	var leverageTerm fixed.Int
	if proposedBase.IsNegative() {
		leverageTerm = c.Add(maxLeverage, tenThousand)
	} else {
		leverageTerm = c.Sub(maxLeverage, tenThousand)
	}
	if err := c.Err(); err != nil {
		return Result{}, fmt.Errorf("liquidation: %w", err)
	}

	markAfter, err := markAfterTrade(m, baseSizeChange)
	if err != nil {
		return Result{}, err
	}

	// A long at a 100% ratio has no leverage to erode: its requirement moves
	// one for one with its value. It is liquidatable now or never.
	if leverageTerm.IsZero() {
		if freeAfter.IsNegative() {
			return At(markAfter), nil
		}
		return NotLiquidatable(), nil
	}

	delta := c.Quo(
		c.MulInt64(c.MulInt64(c.Quo(c.Mul(freeAfter, maxLeverage), leverageTerm), fixed.PriceToQuotePrecision), fixed.AMMReservePrecision),
		proposedBase.Int(),
	)
	if err := c.Err(); err != nil {
		return Result{}, fmt.Errorf("liquidation: price delta: %w", err)
	}
	if delta.GreaterThan(markAfter.Int()) {
		return NotLiquidatable(), nil
	}
	return At(fixed.Of[fixed.PriceScale](c.Sub(markAfter.Int(), delta))), c.Err()
}

// markAfterTrade is the mark price once baseSizeChange has executed.
func markAfterTrade(m model.Market, baseSizeChange fixed.Base) (fixed.Price, error) {
	if baseSizeChange.IsZero() {
		return amm.MarkPrice(m)
	}
	direction := model.Long
	if baseSizeChange.IsNegative() {
		direction = model.Short
	}
	s, err := amm.TradeSlippage(direction, baseSizeChange.Abs(), m)
	if err != nil {
		return fixed.Price{}, err
	}
	return s.NewMarkPrice, nil
}
