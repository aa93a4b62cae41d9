package liquidation

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

var (
	// ErrSufficientCollateral is returned when the account meets its partial
	// margin requirement.
	ErrSufficientCollateral = errors.New("liquidation: account has sufficient collateral")

	// ErrNothingToClose is returned when no position could be reduced.
	ErrNothingToClose = errors.New("liquidation: no position could be closed")

	// ErrInvalidParams is returned for out of range liquidation settings.
	ErrInvalidParams = errors.New("liquidation: invalid parameters")
)

// Params configure Liquidate. Percentages are at MarginPrecision.
type Params struct {
	// PartialClosePercentage is the share of each position's value closed
	// by a partial liquidation.
	PartialClosePercentage fixed.Ratio
	// Penalties are taken from total collateral.
	PartialPenalty fixed.Ratio
	FullPenalty    fixed.Ratio
	// The liquidator receives penalty/denominator, the insurance fund the
	// rest.
	PartialLiquidatorShareDenominator int64
	FullLiquidatorShareDenominator    int64
}

// DefaultParams closes a quarter of each position on a partial liquidation
// for a 2.5% penalty, half of it to the liquidator. A full liquidation costs
// 5%, a twentieth of it to the liquidator.
func DefaultParams() Params {
	return Params{
		PartialClosePercentage:            fixed.NewRatio(2500),
		PartialPenalty:                    fixed.NewRatio(250),
		FullPenalty:                       fixed.NewRatio(500),
		PartialLiquidatorShareDenominator: 2,
		FullLiquidatorShareDenominator:    20,
	}
}

// Validate checks every percentage is within [0, 100%] and the share
// denominators are positive.
func (p Params) Validate() error {
	full := fixed.NewRatio(fixed.MarginPrecision)
	for _, r := range []fixed.Ratio{p.PartialClosePercentage, p.PartialPenalty, p.FullPenalty} {
		if r.IsNegative() || r.GreaterThan(full) {
			return fmt.Errorf("%w: percentage %s out of range", ErrInvalidParams, r)
		}
	}
	if !p.PartialClosePercentage.IsPositive() {
		return fmt.Errorf("%w: partial close percentage must be positive", ErrInvalidParams)
	}
	if p.PartialLiquidatorShareDenominator <= 0 || p.FullLiquidatorShareDenominator <= 0 {
		return fmt.Errorf("%w: liquidator share denominators must be positive", ErrInvalidParams)
	}
	return nil
}

// Outcome is a computed liquidation. Nothing is committed.
type Outcome struct {
	Type model.LiquidationType
	// Status is the account's margin picture before anything was closed.
	Status margin.LiquidationStatus
	// Account is the liquidated account after the closes and the penalty.
	Account model.UserAccount
	// Closes are the forced trades in execution order, each against the
	// market as left by the previous ones.
	Closes               []position.Execution
	BaseAssetValueClosed fixed.Quote
	Penalty              fixed.Quote
	LiquidatorShare      fixed.Quote
	InsuranceShare       fixed.Quote
}

// dustCollateral is one quote unit: accounts at or below it are closed out
// in full whatever their margin ratio.
var dustCollateral = fixed.NewQuote(fixed.QuotePrecision)

// Liquidate computes the liquidation of account, whose funding must already
// be settled, against markets.
//
// A full liquidation walks the positions largest maintenance requirement
// first and closes each one until the remaining requirement is below the
// collateral left after the penalty. A partial liquidation does the same
// but only closes PartialClosePercentage of each position. Dust accounts
// are always closed out completely.
func Liquidate(account model.UserAccount, markets model.MarketSet, p Params) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return Outcome{}, err
	}
	st, err := margin.NewCalculator(markets).Status(account)
	if err != nil {
		return Outcome{}, err
	}
	if st.Type == margin.LiquidationNone {
		return Outcome{}, fmt.Errorf("%w: total collateral %s, requirement %s",
			ErrSufficientCollateral, st.TotalCollateral, st.MarginRequirement)
	}

	dust := !st.TotalCollateral.GreaterThan(dustCollateral)
	full := st.Type == margin.LiquidationFull || dust

	out := Outcome{Type: model.LiquidationPartial, Status: st, Account: account.Clone()}
	penaltyRatio := p.PartialPenalty
	if full {
		out.Type = model.LiquidationFull
		penaltyRatio = p.FullPenalty
	}

	var c fixed.Calc
	maxPenalty := c.QuoInt64(c.Mul(st.TotalCollateral.Int(), penaltyRatio.Int()), fixed.MarginPrecision)
	// The penalty is spread over the value this liquidation sets out to
	// close.
	penaltyBase := st.BaseAssetValue.Int()
	if !full {
		penaltyBase = c.QuoInt64(c.Mul(penaltyBase, p.PartialClosePercentage.Int()), fixed.MarginPrecision)
	}
	if err := c.Err(); err != nil {
		return Outcome{}, fmt.Errorf("liquidation: penalty: %w", err)
	}

	post := make(model.MarketSet, len(markets))
	for idx, m := range markets {
		post[idx] = m
	}
	requirement := st.MarginRequirement.Int()
	closed, penalty := fixed.Int{}, fixed.Int{}

	for _, ms := range st.Markets {
		if ms.BaseAssetValue.IsZero() {
			continue
		}
		m := post[ms.MarketIndex]
		pos := out.Account.PositionOrEmpty(ms.MarketIndex)
		dir := position.DirectionToClose(pos.BaseAssetAmount)

		size := pos.BaseAssetAmount.Abs()
		reqRatioShare := ms.MaintenanceMarginRequirement
		if !full {
			reqRatioShare = ms.PartialMarginRequirement
			target := fixed.Of[fixed.QuoteScale](c.QuoInt64(c.Mul(ms.BaseAssetValue.Int(), p.PartialClosePercentage.Int()), fixed.MarginPrecision))
			if err := c.Err(); err != nil {
				return Outcome{}, fmt.Errorf("liquidation: close size: %w", err)
			}
			s, err := amm.QuoteTradeSlippage(dir, target, m)
			if err != nil {
				return Outcome{}, err
			}
			if s.BaseAssetAmount.LessThan(size) {
				size = s.BaseAssetAmount
			}
		}
		if size.IsZero() {
			continue
		}

		ex, err := position.Trade(m, pos, dir, size)
		if err != nil {
			return Outcome{}, err
		}
		if out.Account.Collateral, err = position.UpdatedCollateral(out.Account.Collateral, ex.RealizedPnL); err != nil {
			return Outcome{}, err
		}
		out.Account.SetPosition(ex.Position)
		post[ms.MarketIndex] = ex.Market
		out.Closes = append(out.Closes, ex)

		quote := ex.QuoteAssetAmount.Int()
		closed = c.Add(closed, quote)
		requirement = c.Sub(requirement, c.MulDiv(reqRatioShare.Int(), quote, ms.BaseAssetValue.Int()))
		penalty = c.Add(penalty, c.MulDiv(maxPenalty, quote, penaltyBase))
		if err := c.Err(); err != nil {
			return Outcome{}, fmt.Errorf("liquidation: market %d: %w", ms.MarketIndex, err)
		}

		if !dust && requirement.LessThan(c.Sub(st.TotalCollateral.Int(), penalty)) {
			break
		}
	}
	if len(out.Closes) == 0 {
		return Outcome{}, ErrNothingToClose
	}

	// Collateral is floored at zero, so the charge can fall short of the
	// computed penalty.
	before := out.Account.Collateral
	out.Account.Collateral, err = position.UpdatedCollateral(before, fixed.Of[fixed.QuoteScale](penalty.Neg()))
	if err != nil {
		return Outcome{}, err
	}
	charged := c.Sub(before.Int(), out.Account.Collateral.Int())

	denominator := p.PartialLiquidatorShareDenominator
	if full {
		denominator = p.FullLiquidatorShareDenominator
	}
	share := c.QuoInt64(charged, denominator)
	out.BaseAssetValueClosed = fixed.Of[fixed.QuoteScale](closed)
	out.Penalty = fixed.Of[fixed.QuoteScale](charged)
	out.LiquidatorShare = fixed.Of[fixed.QuoteScale](share)
	out.InsuranceShare = fixed.Of[fixed.QuoteScale](c.Sub(charged, share))
	if err := c.Err(); err != nil {
		return Outcome{}, fmt.Errorf("liquidation: penalty split: %w", err)
	}
	return out, nil
}

// Markets returns the post-liquidation copy of every market a close touched.
func (o Outcome) Markets() []model.Market {
	markets := make([]model.Market, len(o.Closes))
	for i, ex := range o.Closes {
		markets[i] = ex.Market
	}
	return markets
}
