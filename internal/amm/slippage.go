package amm

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Slippage is the outcome of a simulated trade. It never mutates the market;
// pass it to Apply to obtain the post-trade snapshot.
type Slippage struct {
	Direction            model.Direction `json:"direction"`
	QuoteAssetAmount     fixed.Quote     `json:"quote_asset_amount"`
	BaseAssetAmount      fixed.Base      `json:"base_asset_amount"` // unsigned size
	NewBaseAssetReserve  fixed.Reserve   `json:"new_base_asset_reserve"`
	NewQuoteAssetReserve fixed.Reserve   `json:"new_quote_asset_reserve"`
	MarkPriceBefore      fixed.Price     `json:"mark_price_before"`
	NewMarkPrice         fixed.Price     `json:"new_mark_price"`
	EntryPrice           fixed.Price     `json:"entry_price"`
}

// PriceImpact returns NewMarkPrice - MarkPriceBefore.
func (s Slippage) PriceImpact() fixed.Price {
	var c fixed.Calc
	return fixed.Of[fixed.PriceScale](c.Sub(s.NewMarkPrice.Int(), s.MarkPriceBefore.Int()))
}

// baseSwapDirection maps a trade side to the movement of the base reserve:
// a long takes base out of the AMM, a short puts it in.
func baseSwapDirection(d model.Direction) SwapDirection {
	if d == model.Long {
		return SwapRemove
	}
	return SwapAdd
}

// TradeSlippage simulates trading baseAmount of the base asset in direction
// against m. A zero amount returns the current price and reserves unchanged.
func TradeSlippage(direction model.Direction, baseAmount fixed.Base, m model.Market) (Slippage, error) {
	if baseAmount.IsNegative() {
		return Slippage{}, ErrNegativeAmount
	}
	markBefore, err := MarkPrice(m)
	if err != nil {
		return Slippage{}, err
	}
	s := Slippage{
		Direction:            direction,
		BaseAssetAmount:      baseAmount,
		NewBaseAssetReserve:  m.BaseAssetReserve,
		NewQuoteAssetReserve: m.QuoteAssetReserve,
		MarkPriceBefore:      markBefore,
		NewMarkPrice:         markBefore,
		EntryPrice:           markBefore,
	}
	if baseAmount.IsZero() {
		return s, nil
	}

	dir := baseSwapDirection(direction)
	newQuote, newBase, err := SwapOutput(fixed.Of[fixed.ReserveScale](baseAmount.Int()), m.BaseAssetReserve, dir, m.SqrtK)
	if err != nil {
		return Slippage{}, err
	}
	quote, err := QuoteAssetSwapped(m.QuoteAssetReserve, newQuote, dir, m.PegMultiplier)
	if err != nil {
		return Slippage{}, err
	}
	return finish(s, quote, baseAmount, newBase, newQuote, m.PegMultiplier)
}

// QuoteTradeSlippage simulates a trade sized in quote asset: a long puts
// quoteAmount into the AMM, a short takes it out.
func QuoteTradeSlippage(direction model.Direction, quoteAmount fixed.Quote, m model.Market) (Slippage, error) {
	if quoteAmount.IsNegative() {
		return Slippage{}, ErrNegativeAmount
	}
	markBefore, err := MarkPrice(m)
	if err != nil {
		return Slippage{}, err
	}
	s := Slippage{
		Direction:            direction,
		QuoteAssetAmount:     quoteAmount,
		NewBaseAssetReserve:  m.BaseAssetReserve,
		NewQuoteAssetReserve: m.QuoteAssetReserve,
		MarkPriceBefore:      markBefore,
		NewMarkPrice:         markBefore,
		EntryPrice:           markBefore,
	}
	if quoteAmount.IsZero() {
		return s, nil
	}

	reserveAmount, err := QuoteToReserve(quoteAmount, m.PegMultiplier)
	if err != nil {
		return Slippage{}, err
	}
	dir := SwapAdd
	if direction == model.Short {
		dir = SwapRemove
	}
	newBase, newQuote, err := SwapOutput(reserveAmount, m.QuoteAssetReserve, dir, m.SqrtK)
	if err != nil {
		return Slippage{}, err
	}
	var c fixed.Calc
	base := fixed.Of[fixed.BaseScale](c.Sub(m.BaseAssetReserve.Int(), newBase.Int()).Abs())
	if err := c.Err(); err != nil {
		return Slippage{}, err
	}
	return finish(s, quoteAmount, base, newBase, newQuote, m.PegMultiplier)
}

func finish(s Slippage, quote fixed.Quote, base fixed.Base, newBase, newQuote fixed.Reserve, peg fixed.Peg) (Slippage, error) {
	newMark, err := Price(newQuote, newBase, peg)
	if err != nil {
		return Slippage{}, err
	}
	s.QuoteAssetAmount = quote
	s.BaseAssetAmount = base
	s.NewBaseAssetReserve = newBase
	s.NewQuoteAssetReserve = newQuote
	s.NewMarkPrice = newMark
	if !base.IsZero() {
		s.EntryPrice, err = AveragePrice(quote, base)
		if err != nil {
			return Slippage{}, err
		}
	}
	return s, nil
}

// AveragePrice returns quote/base at MarkPricePrecision.
func AveragePrice(quote fixed.Quote, base fixed.Base) (fixed.Price, error) {
	var c fixed.Calc
	v := c.Quo(c.MulInt64(quote.Int().Abs(), fixed.MarkPriceTimesAMMToQuotePrecisionRatio), base.Int().Abs())
	if err := c.Err(); err != nil {
		return fixed.Price{}, fmt.Errorf("amm: average price: %w", err)
	}
	return fixed.Of[fixed.PriceScale](v), nil
}

// Apply returns a copy of m with the simulated reserves committed.
func Apply(m model.Market, s Slippage) model.Market {
	m.BaseAssetReserve = s.NewBaseAssetReserve
	m.QuoteAssetReserve = s.NewQuoteAssetReserve
	return m
}

// MaxBaseAssetAmountToTrade returns the base size, and its direction, that
// moves the mark price of m to limitPrice.
func MaxBaseAssetAmountToTrade(m model.Market, limitPrice fixed.Price) (fixed.Base, model.Direction, error) {
	if err := m.Validate(); err != nil {
		return fixed.Base{}, "", err
	}
	if !limitPrice.IsPositive() {
		return fixed.Base{}, "", fmt.Errorf("amm: limit price must be positive, got %s", limitPrice)
	}
	// new_base² = k * peg * PriceToPegPrecisionRatio / limit. Taking the
	// root of the ratio alone, at MarkPricePrecision² extra scale, keeps k out
	// of the product.
	var c fixed.Calc
	ratio := c.Quo(
		c.MulInt64(c.MulInt64(c.MulInt64(m.PegMultiplier.Int(), fixed.PriceToPegPrecisionRatio), fixed.MarkPricePrecision), fixed.MarkPricePrecision),
		limitPrice.Int(),
	)
	if err := c.Err(); err != nil {
		return fixed.Base{}, "", fmt.Errorf("amm: max trade: %w", err)
	}
	root, err := fixed.Sqrt(ratio)
	if err != nil {
		return fixed.Base{}, "", err
	}
	newBaseReserve := c.QuoInt64(c.Mul(m.SqrtK.Int(), root), fixed.MarkPricePrecision)
	if newBaseReserve.GreaterThan(m.BaseAssetReserve.Int()) {
		return fixed.Of[fixed.BaseScale](c.Sub(newBaseReserve, m.BaseAssetReserve.Int())), model.Short, c.Err()
	}
	return fixed.Of[fixed.BaseScale](c.Sub(m.BaseAssetReserve.Int(), newBaseReserve)), model.Long, c.Err()
}
