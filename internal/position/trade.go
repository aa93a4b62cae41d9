package position

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Execution is the outcome of applying a base-sized trade to one position.
// Market and Position are the post-trade copies; nothing is committed.
type Execution struct {
	Market           model.Market
	Position         model.UserPosition
	Direction        model.Direction
	BaseAssetAmount  fixed.Base
	QuoteAssetAmount fixed.Quote
	MarkPriceBefore  fixed.Price
	MarkPriceAfter   fixed.Price
	RealizedPnL      fixed.Quote

	// PotentiallyRiskIncreasing is false only for trades that shrink the
	// position. Such trades skip the initial margin check.
	PotentiallyRiskIncreasing bool
	ReduceOnly                bool
}

// Trade applies a trade of baseAmount in direction to pos. A trade in the
// position's direction increases it, a smaller opposite trade reduces it and
// a larger one closes it and opens the remainder the other way.
func Trade(m model.Market, pos model.UserPosition, direction model.Direction, baseAmount fixed.Base) (Execution, error) {
	if !baseAmount.IsPositive() {
		return Execution{}, fmt.Errorf("position: trade size must be positive, got %s", baseAmount)
	}
	markBefore, err := amm.MarkPrice(m)
	if err != nil {
		return Execution{}, err
	}
	ex := Execution{
		Market:                    m,
		Position:                  pos,
		Direction:                 direction,
		BaseAssetAmount:           baseAmount,
		MarkPriceBefore:           markBefore,
		PotentiallyRiskIncreasing: true,
	}

	size := pos.BaseAssetAmount.Abs()
	switch {
	case !pos.IsOpen() || pos.Direction() == direction:
		err = ex.increase(direction, baseAmount)
	case size.GreaterThan(baseAmount):
		ex.ReduceOnly = true
		ex.PotentiallyRiskIncreasing = false
		err = ex.reduce(direction, baseAmount)
	default:
		var c fixed.Calc
		remainder := fixed.Of[fixed.BaseScale](c.Sub(baseAmount.Int(), size.Int()))
		if err := c.Err(); err != nil {
			return Execution{}, err
		}
		if remainder.LessThan(size) {
			ex.PotentiallyRiskIncreasing = false
		}
		if err = ex.close(); err != nil {
			break
		}
		if remainder.IsZero() {
			ex.ReduceOnly = true
			break
		}
		err = ex.increase(direction, remainder)
	}
	if err != nil {
		return Execution{}, err
	}

	ex.MarkPriceAfter, err = amm.MarkPrice(ex.Market)
	if err != nil {
		return Execution{}, err
	}
	return ex, nil
}

func signed(direction model.Direction, base fixed.Base) fixed.Base {
	if direction == model.Short {
		return base.Neg()
	}
	return base
}

// swap runs the AMM leg and commits the reserves to ex.Market.
func (ex *Execution) swap(direction model.Direction, base fixed.Base) (fixed.Quote, error) {
	s, err := amm.TradeSlippage(direction, base, ex.Market)
	if err != nil {
		return fixed.Quote{}, err
	}
	ex.Market = amm.Apply(ex.Market, s)
	var c fixed.Calc
	ex.QuoteAssetAmount = fixed.Of[fixed.QuoteScale](c.Add(ex.QuoteAssetAmount.Int(), s.QuoteAssetAmount.Int()))
	return s.QuoteAssetAmount, c.Err()
}

// book moves the market's net and per-side open interest by delta. The side
// is chosen by the sign of the position after the change.
func (ex *Execution) book(delta fixed.Base) error {
	var c fixed.Calc
	m := &ex.Market
	m.BaseAssetAmount = fixed.Of[fixed.BaseScale](c.Add(m.BaseAssetAmount.Int(), delta.Int()))
	if ex.Position.BaseAssetAmount.IsPositive() {
		m.BaseAssetAmountLong = fixed.Of[fixed.BaseScale](c.Add(m.BaseAssetAmountLong.Int(), delta.Int()))
	} else {
		m.BaseAssetAmountShort = fixed.Of[fixed.BaseScale](c.Add(m.BaseAssetAmountShort.Int(), delta.Int()))
	}
	return c.Err()
}

func (ex *Execution) increase(direction model.Direction, base fixed.Base) error {
	if !ex.Position.IsOpen() {
		ex.Position.LastCumulativeFundingRate = ex.Market.CumulativeFundingRate
		ex.Position.LastFundingRateTs = ex.Market.LastFundingRateTs
	}
	quote, err := ex.swap(direction, base)
	if err != nil {
		return err
	}
	delta := signed(direction, base)
	var c fixed.Calc
	ex.Position.QuoteAssetAmount = fixed.Of[fixed.QuoteScale](c.Add(ex.Position.QuoteAssetAmount.Int(), quote.Int()))
	ex.Position.BaseAssetAmount = fixed.Of[fixed.BaseScale](c.Add(ex.Position.BaseAssetAmount.Int(), delta.Int()))
	if err := c.Err(); err != nil {
		return fmt.Errorf("position: increase: %w", err)
	}
	return ex.book(delta)
}

func (ex *Execution) reduce(direction model.Direction, base fixed.Base) error {
	quote, err := ex.swap(direction, base)
	if err != nil {
		return err
	}
	delta := signed(direction, base)
	before := ex.Position.BaseAssetAmount

	var c fixed.Calc
	ex.Position.BaseAssetAmount = fixed.Of[fixed.BaseScale](c.Add(before.Int(), delta.Int()))
	// Cost basis is released pro rata to the closed size.
	closedCost := c.MulDiv(ex.Position.QuoteAssetAmount.Int(), base.Int(), before.Int().Abs())
	ex.Position.QuoteAssetAmount = fixed.Of[fixed.QuoteScale](c.Sub(ex.Position.QuoteAssetAmount.Int(), closedCost))
	var pnl fixed.Int
	if direction == model.Short {
		pnl = c.Sub(quote.Int(), closedCost)
	} else {
		pnl = c.Sub(closedCost, quote.Int())
	}
	ex.RealizedPnL = fixed.Of[fixed.QuoteScale](c.Add(ex.RealizedPnL.Int(), pnl))
	if err := c.Err(); err != nil {
		return fmt.Errorf("position: reduce: %w", err)
	}
	return ex.book(delta)
}

func (ex *Execution) close() error {
	base := ex.Position.BaseAssetAmount
	closeDir := SwapDirectionToClose(base)
	quote, err := ex.swap(DirectionToClose(base), base.Abs())
	if err != nil {
		return err
	}
	pnl, err := PnL(quote, ex.Position.QuoteAssetAmount, closeDir)
	if err != nil {
		return err
	}

	var c fixed.Calc
	ex.RealizedPnL = fixed.Of[fixed.QuoteScale](c.Add(ex.RealizedPnL.Int(), pnl.Int()))
	if err := c.Err(); err != nil {
		return fmt.Errorf("position: close: %w", err)
	}
	// Book against the side being closed before the position is zeroed.
	if err := ex.book(base.Neg()); err != nil {
		return err
	}
	ex.Position = model.UserPosition{
		MarketIndex: ex.Position.MarketIndex,
		OpenOrders:  ex.Position.OpenOrders,
	}
	return nil
}
