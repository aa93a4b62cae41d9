// Package position values a user's base asset exposure against the AMM.
//
// Value is what closing the whole position right now would return, solved
// on the constant-product curve. It is path dependent on size: a large
// position moves the price against itself while it closes.
package position

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// SwapDirectionToClose returns the base reserve movement that closes base:
// a long closes by adding base back to the AMM, a short by removing it.
func SwapDirectionToClose(base fixed.Base) amm.SwapDirection {
	if base.IsNegative() {
		return amm.SwapRemove
	}
	return amm.SwapAdd
}

// DirectionToClose returns the trade side that closes base.
func DirectionToClose(base fixed.Base) model.Direction {
	if base.IsPositive() {
		return model.Short
	}
	return model.Long
}

// BaseAssetValue returns the quote value of closing pos against m. It is
// never negative and is zero for an empty position without touching the AMM.
func BaseAssetValue(m model.Market, pos model.UserPosition) (fixed.Quote, error) {
	v, _, err := BaseAssetValueAndPnL(m, pos)
	return v, err
}

// BaseAssetValueAndPnL returns the close value of pos and its unrealized P&L
// against the entry cost basis.
func BaseAssetValueAndPnL(m model.Market, pos model.UserPosition) (fixed.Quote, fixed.Quote, error) {
	if !pos.IsOpen() {
		return fixed.Quote{}, fixed.Quote{}, nil
	}
	if err := m.Validate(); err != nil {
		return fixed.Quote{}, fixed.Quote{}, err
	}
	dir := SwapDirectionToClose(pos.BaseAssetAmount)
	size := fixed.Of[fixed.ReserveScale](pos.BaseAssetAmount.Int().Abs())
	newQuoteReserve, _, err := amm.SwapOutput(size, m.BaseAssetReserve, dir, m.SqrtK)
	if err != nil {
		return fixed.Quote{}, fixed.Quote{}, fmt.Errorf("position: value market %d: %w", m.Index, err)
	}
	value, err := amm.QuoteAssetSwapped(m.QuoteAssetReserve, newQuoteReserve, dir, m.PegMultiplier)
	if err != nil {
		return fixed.Quote{}, fixed.Quote{}, err
	}
	pnl, err := PnL(value, pos.QuoteAssetAmount, dir)
	if err != nil {
		return fixed.Quote{}, fixed.Quote{}, err
	}
	return value, pnl, nil
}

// PnL returns exit minus entry for a long (closed by SwapAdd) and entry
// minus exit for a short.
func PnL(exit, entry fixed.Quote, closeDir amm.SwapDirection) (fixed.Quote, error) {
	var c fixed.Calc
	var v fixed.Int
	if closeDir == amm.SwapAdd {
		v = c.Sub(exit.Int(), entry.Int())
	} else {
		v = c.Sub(entry.Int(), exit.Int())
	}
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("position: pnl: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](v), nil
}

// UpdatedCollateral applies pnl to collateral, flooring the result at zero.
func UpdatedCollateral(collateral, pnl fixed.Quote) (fixed.Quote, error) {
	var c fixed.Calc
	v := c.Add(collateral.Int(), pnl.Int())
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("position: collateral: %w", err)
	}
	if v.IsNegative() {
		return fixed.Quote{}, nil
	}
	return fixed.Of[fixed.QuoteScale](v), nil
}
