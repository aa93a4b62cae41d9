// Package amm implements the constant-product virtual AMM that prices a
// perpetual market.
//
// The curve is base_reserve * quote_reserve = k with k = sqrt_k², fixed at
// market initialisation. Mark price is the quote/base reserve ratio scaled by
// the peg multiplier. Every function here is pure: a proposed trade returns
// the new reserves as data and the caller decides whether to commit them.
package amm

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// ErrTradeSizeTooLarge is returned when a swap would drain a reserve.
	ErrTradeSizeTooLarge = errors.New("amm: trade size too large")

	// ErrNegativeAmount is returned for a negative trade size.
	ErrNegativeAmount = errors.New("amm: trade amount must not be negative")
)

// SwapDirection is the movement of the input reserve.
type SwapDirection int

const (
	// SwapAdd puts the asset into the AMM (user sells it).
	SwapAdd SwapDirection = iota
	// SwapRemove takes the asset out of the AMM (user buys it).
	SwapRemove
)

func (d SwapDirection) String() string {
	if d == SwapRemove {
		return "remove"
	}
	return "add"
}

// Price returns quote_reserve * peg / base_reserve at MarkPricePrecision.
func Price(quoteReserve, baseReserve fixed.Reserve, peg fixed.Peg) (fixed.Price, error) {
	if baseReserve.IsZero() {
		return fixed.Price{}, fmt.Errorf("%w: zero base asset reserve", model.ErrInvalidMarketState)
	}
	var c fixed.Calc
	v := c.Quo(c.MulInt64(c.Mul(quoteReserve.Int(), peg.Int()), fixed.PriceToPegPrecisionRatio), baseReserve.Int())
	if err := c.Err(); err != nil {
		return fixed.Price{}, fmt.Errorf("amm: price: %w", err)
	}
	return fixed.Of[fixed.PriceScale](v), nil
}

// MarkPrice returns the current mark price of a market. The snapshot is
// validated first so a corrupted market never reaches a division.
func MarkPrice(m model.Market) (fixed.Price, error) {
	if err := m.Validate(); err != nil {
		return fixed.Price{}, err
	}
	return Price(m.QuoteAssetReserve, m.BaseAssetReserve, m.PegMultiplier)
}

// K returns the constant product of a market.
func K(m model.Market) (fixed.Int, error) {
	var c fixed.Calc
	k := c.Mul(m.SqrtK.Int(), m.SqrtK.Int())
	return k, c.Err()
}

// SwapOutput moves amount into or out of the input reserve and solves the
// output reserve from the invariant. It returns (newOutput, newInput).
func SwapOutput(amount, inputReserve fixed.Reserve, dir SwapDirection, sqrtK fixed.Reserve) (fixed.Reserve, fixed.Reserve, error) {
	if amount.IsNegative() {
		return fixed.Reserve{}, fixed.Reserve{}, ErrNegativeAmount
	}
	// Removing the whole reserve would leave a zero divisor.
	if dir == SwapRemove && !amount.LessThan(inputReserve) {
		return fixed.Reserve{}, fixed.Reserve{}, fmt.Errorf("%w: remove %s of %s", ErrTradeSizeTooLarge, amount, inputReserve)
	}

	var c fixed.Calc
	invariant := c.Mul(sqrtK.Int(), sqrtK.Int())
	var newInput fixed.Int
	if dir == SwapAdd {
		newInput = c.Add(inputReserve.Int(), amount.Int())
	} else {
		newInput = c.Sub(inputReserve.Int(), amount.Int())
	}
	newOutput := c.Quo(invariant, newInput)
	if err := c.Err(); err != nil {
		return fixed.Reserve{}, fixed.Reserve{}, fmt.Errorf("amm: swap output: %w", err)
	}
	return fixed.Of[fixed.ReserveScale](newOutput), fixed.Of[fixed.ReserveScale](newInput), nil
}

// QuoteAssetSwapped converts the quote reserve movement of a base swap into
// quote precision. dir is the direction of the base reserve. When the user
// removes base (goes long) one extra quote unit is charged so rounding never
// favours the taker.
func QuoteAssetSwapped(before, after fixed.Reserve, dir SwapDirection, peg fixed.Peg) (fixed.Quote, error) {
	var c fixed.Calc
	var change fixed.Int
	if dir == SwapAdd {
		change = c.Sub(before.Int(), after.Int())
	} else {
		change = c.Sub(after.Int(), before.Int())
	}
	if change.IsNegative() {
		return fixed.Quote{}, fmt.Errorf("amm: quote reserve moved the wrong way for %s", dir)
	}
	q := c.QuoInt64(c.Mul(change, peg.Int()), fixed.AMMTimesPegToQuotePrecisionRatio)
	if dir == SwapRemove {
		q = c.Add(q, fixed.NewInt(1))
	}
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("amm: quote swapped: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](q), nil
}

// ReserveToQuote converts a quote reserve amount to quote precision.
func ReserveToQuote(r fixed.Reserve, peg fixed.Peg) (fixed.Quote, error) {
	var c fixed.Calc
	v := c.QuoInt64(c.Mul(r.Int(), peg.Int()), fixed.AMMTimesPegToQuotePrecisionRatio)
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("amm: reserve to quote: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](v), nil
}

// QuoteToReserve converts a quote amount to quote reserve precision.
func QuoteToReserve(q fixed.Quote, peg fixed.Peg) (fixed.Reserve, error) {
	var c fixed.Calc
	v := c.Quo(c.MulInt64(q.Int(), fixed.AMMTimesPegToQuotePrecisionRatio), peg.Int())
	if err := c.Err(); err != nil {
		return fixed.Reserve{}, fmt.Errorf("amm: quote to reserve: %w", err)
	}
	return fixed.Of[fixed.ReserveScale](v), nil
}
