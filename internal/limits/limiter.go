// Package limits implements position limits on top of margin requirements.
//
// Margin bounds leverage but not size: a well-collateralised account could
// still take most of a market's virtual depth. The limiter caps the absolute
// base amount one account may hold in a market and the aggregate notional it
// may hold across all markets.
package limits

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

var (
	// ErrMarketLimitExceeded is returned when a trade would push the
	// absolute base amount in one market beyond the per-market maximum.
	ErrMarketLimitExceeded = errors.New("limits: per-market position limit exceeded")

	// ErrNotionalLimitExceeded is returned when a trade would push the
	// aggregate notional across all markets beyond the maximum.
	ErrNotionalLimitExceeded = errors.New("limits: total notional limit exceeded")
)

// Exposure is an account's holding in one market.
type Exposure struct {
	Base     fixed.Base
	Notional fixed.Quote // close value, always non-negative
}

// Exposures values every open position of account against markets.
func Exposures(account model.UserAccount, markets model.MarketSet) (map[uint64]Exposure, error) {
	out := make(map[uint64]Exposure, len(account.Positions))
	for _, pos := range account.Positions {
		if !pos.IsOpen() {
			continue
		}
		m, err := markets.Get(pos.MarketIndex)
		if err != nil {
			return nil, err
		}
		v, err := position.BaseAssetValue(m, pos)
		if err != nil {
			return nil, err
		}
		out[pos.MarketIndex] = Exposure{Base: pos.BaseAssetAmount, Notional: v}
	}
	return out, nil
}

// PositionLimiter enforces per-market and aggregate limits. A zero limit is
// disabled.
type PositionLimiter struct {
	// MaxBasePerMarket is the maximum absolute base amount in any market.
	MaxBasePerMarket fixed.Base

	// MaxTotalNotional is the maximum sum of close values across markets.
	MaxTotalNotional fixed.Quote
}

// NewPositionLimiter creates a limiter. Negative limits are treated as
// disabled.
func NewPositionLimiter(maxBasePerMarket fixed.Base, maxTotalNotional fixed.Quote) *PositionLimiter {
	if maxBasePerMarket.IsNegative() {
		maxBasePerMarket = fixed.Base{}
	}
	if maxTotalNotional.IsNegative() {
		maxTotalNotional = fixed.Quote{}
	}
	return &PositionLimiter{
		MaxBasePerMarket: maxBasePerMarket,
		MaxTotalNotional: maxTotalNotional,
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - marketIndex: market being traded
//   - baseDelta: signed change in base amount (+long / -short)
//   - notionalAfter: close value of the position in marketIndex after the trade
//   - existing: current exposure per market for this account
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(
	marketIndex uint64,
	baseDelta fixed.Base,
	notionalAfter fixed.Quote,
	existing map[uint64]Exposure,
) error {
	var c fixed.Calc

	// 1. Per-market limit.
	newBase := c.Add(existing[marketIndex].Base.Int(), baseDelta.Int())
	if err := c.Err(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if l.MaxBasePerMarket.IsPositive() && newBase.Abs().GreaterThan(l.MaxBasePerMarket.Int()) {
		return fmt.Errorf("%w: market %d would hold %s, max %s",
			ErrMarketLimitExceeded, marketIndex, newBase.Abs(), l.MaxBasePerMarket)
	}

	// 2. Aggregate notional across every market.
	if !l.MaxTotalNotional.IsPositive() {
		return nil
	}
	total := notionalAfter.Int().Abs()
	for idx, e := range existing {
		if idx == marketIndex {
			continue // replaced by notionalAfter
		}
		total = c.Add(total, e.Notional.Int().Abs())
	}
	if err := c.Err(); err != nil {
		return fmt.Errorf("limits: %w", err)
	}
	if total.GreaterThan(l.MaxTotalNotional.Int()) {
		return fmt.Errorf("%w: total %s, max %s", ErrNotionalLimitExceeded, total, l.MaxTotalNotional)
	}
	return nil
}
