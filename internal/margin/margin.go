// Package margin aggregates a user's collateral and the margin its open
// positions require.
//
// Requirements are per market: the close value of the position times the
// market's selected ratio over MarginPrecision. Total collateral is the
// collateral balance plus a signed adjustment supplied by a
// CollateralAdjuster, by default unrealized P&L and unsettled funding.
package margin

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/funding"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// Margin ratio bounds at MarginPrecision: 2% to 100%.
const (
	MinimumMarginRatio int64 = 200
	MaximumMarginRatio int64 = 10_000
)

// NoMarket excludes nothing. Market indices start at 1.
const NoMarket uint64 = 0

var (
	// ErrInvalidMarginRatio is returned for ratios out of range or out of order.
	ErrInvalidMarginRatio = errors.New("margin: invalid margin ratio")

	// ErrInsufficientCollateral is returned when an account would fall below
	// its initial margin requirement.
	ErrInsufficientCollateral = errors.New("margin: insufficient collateral")
)

// Kind selects one of a market's three margin ratios.
type Kind int

const (
	Initial Kind = iota
	Partial
	Maintenance
)

func (k Kind) String() string {
	switch k {
	case Initial:
		return "initial"
	case Partial:
		return "partial"
	case Maintenance:
		return "maintenance"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Of returns the ratio of kind k for m.
func (k Kind) Of(m model.Market) fixed.Ratio {
	switch k {
	case Initial:
		return m.MarginRatioInitial
	case Partial:
		return m.MarginRatioPartial
	default:
		return m.MarginRatioMaintenance
	}
}

// LiquidationKind returns Partial when partial is set, else Maintenance.
func LiquidationKind(partial bool) Kind {
	if partial {
		return Partial
	}
	return Maintenance
}

// ValidateRatios checks each ratio is within bounds and that
// initial >= partial >= maintenance.
func ValidateRatios(initial, partial, maintenance int64) error {
	for _, r := range []struct {
		name string
		v    int64
	}{{"initial", initial}, {"partial", partial}, {"maintenance", maintenance}} {
		if r.v < MinimumMarginRatio || r.v > MaximumMarginRatio {
			return fmt.Errorf("%w: %s ratio %d outside [%d, %d]", ErrInvalidMarginRatio, r.name, r.v, MinimumMarginRatio, MaximumMarginRatio)
		}
	}
	if initial < partial || partial < maintenance {
		return fmt.Errorf("%w: need initial %d >= partial %d >= maintenance %d", ErrInvalidMarginRatio, initial, partial, maintenance)
	}
	return nil
}

// MaxLeverage returns TenThousand / ratio at TenThousand precision.
func MaxLeverage(m model.Market, k Kind) (fixed.Int, error) {
	ratio := k.Of(m)
	if !ratio.IsPositive() {
		return fixed.Int{}, fmt.Errorf("%w: market %d has %s ratio %s", ErrInvalidMarginRatio, m.Index, k, ratio)
	}
	var c fixed.Calc
	v := c.Quo(fixed.NewInt(fixed.TenThousand*fixed.TenThousand), ratio.Int())
	return v, c.Err()
}

// Requirement returns value * ratio / MarginPrecision.
func Requirement(value fixed.Quote, ratio fixed.Ratio) (fixed.Quote, error) {
	var c fixed.Calc
	v := c.QuoInt64(c.Mul(value.Int(), ratio.Int()), fixed.MarginPrecision)
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("margin: requirement: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](v), nil
}

// CollateralAdjuster supplies the signed quote adjustment that turns an
// account's collateral balance into its total collateral.
type CollateralAdjuster interface {
	Adjustment(account model.UserAccount, markets model.MarketSet) (fixed.Quote, error)
}

// Bookkeeping is the default adjuster: unrealized P&L of every open
// position, plus unsettled funding when WithFunding is set.
type Bookkeeping struct {
	WithFunding bool
}

func (b Bookkeeping) Adjustment(account model.UserAccount, markets model.MarketSet) (fixed.Quote, error) {
	var c fixed.Calc
	total := fixed.Int{}
	for _, pos := range account.Positions {
		if !pos.IsOpen() {
			continue
		}
		m, err := markets.Get(pos.MarketIndex)
		if err != nil {
			return fixed.Quote{}, err
		}
		_, pnl, err := position.BaseAssetValueAndPnL(m, pos)
		if err != nil {
			return fixed.Quote{}, err
		}
		total = c.Add(total, pnl.Int())
		if b.WithFunding {
			owed, err := funding.Payment(m, pos)
			if err != nil {
				return fixed.Quote{}, err
			}
			total = c.Add(total, owed.Int())
		}
	}
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("margin: adjustment: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](total), nil
}

// Calculator evaluates accounts against one consistent market snapshot.
type Calculator struct {
	Markets  model.MarketSet
	Adjuster CollateralAdjuster
}

// defaultAdjuster is used when a Calculator has no Adjuster.
var defaultAdjuster CollateralAdjuster = Bookkeeping{WithFunding: true}

// NewCalculator returns a Calculator using Bookkeeping with funding.
func NewCalculator(markets model.MarketSet) *Calculator {
	return &Calculator{Markets: markets, Adjuster: defaultAdjuster}
}

func (c *Calculator) adjuster() CollateralAdjuster {
	if c.Adjuster == nil {
		return defaultAdjuster
	}
	return c.Adjuster
}

// TotalCollateral returns collateral plus the adjustment. The result is not
// floored: a hypothetical trade may take it below zero.
func (c *Calculator) TotalCollateral(account model.UserAccount) (fixed.Quote, error) {
	adj, err := c.adjuster().Adjustment(account, c.Markets)
	if err != nil {
		return fixed.Quote{}, err
	}
	var calc fixed.Calc
	v := calc.Add(account.Collateral.Int(), adj.Int())
	if err := calc.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("margin: total collateral: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](v), nil
}

// forEachOpen calls fn with the market of every open position except the
// one in market excluded.
func (c *Calculator) forEachOpen(account model.UserAccount, excluded uint64, fn func(model.Market, model.UserPosition) error) error {
	for _, pos := range account.Positions {
		if !pos.IsOpen() || pos.MarketIndex == excluded {
			continue
		}
		m, err := c.Markets.Get(pos.MarketIndex)
		if err != nil {
			return err
		}
		if err := fn(m, pos); err != nil {
			return err
		}
	}
	return nil
}

// TotalPositionValueExcludingMarket sums the close value of every position
// outside market excluded.
func (c *Calculator) TotalPositionValueExcludingMarket(account model.UserAccount, excluded uint64) (fixed.Quote, error) {
	var calc fixed.Calc
	total := fixed.Int{}
	err := c.forEachOpen(account, excluded, func(m model.Market, pos model.UserPosition) error {
		v, err := position.BaseAssetValue(m, pos)
		if err != nil {
			return err
		}
		total = calc.Add(total, v.Int())
		return calc.Err()
	})
	if err != nil {
		return fixed.Quote{}, err
	}
	return fixed.Of[fixed.QuoteScale](total), nil
}

// MarginRequirement sums the kind k requirement of every position outside
// market excluded. Each market is rounded down on its own.
func (c *Calculator) MarginRequirement(account model.UserAccount, excluded uint64, k Kind) (fixed.Quote, error) {
	var calc fixed.Calc
	total := fixed.Int{}
	err := c.forEachOpen(account, excluded, func(m model.Market, pos model.UserPosition) error {
		v, err := position.BaseAssetValue(m, pos)
		if err != nil {
			return err
		}
		req, err := Requirement(v, k.Of(m))
		if err != nil {
			return err
		}
		total = calc.Add(total, req.Int())
		return calc.Err()
	})
	if err != nil {
		return fixed.Quote{}, err
	}
	return fixed.Of[fixed.QuoteScale](total), nil
}

// MeetsInitialMarginRequirement reports whether total collateral covers the
// initial requirement of every open position.
func (c *Calculator) MeetsInitialMarginRequirement(account model.UserAccount) (bool, error) {
	req, err := c.MarginRequirement(account, NoMarket, Initial)
	if err != nil {
		return false, err
	}
	total, err := c.TotalCollateral(account)
	if err != nil {
		return false, err
	}
	return !total.LessThan(req), nil
}

// FreeCollateral returns total collateral above the initial requirement of
// every position except closing, floored at zero, and the close value of the
// position in closing. Pass NoMarket to count every position.
func (c *Calculator) FreeCollateral(account model.UserAccount, closing uint64) (fixed.Quote, fixed.Quote, error) {
	req, err := c.MarginRequirement(account, closing, Initial)
	if err != nil {
		return fixed.Quote{}, fixed.Quote{}, err
	}
	var closedValue fixed.Quote
	if closing != NoMarket {
		if pos, ok := account.Position(closing); ok && pos.IsOpen() {
			m, err := c.Markets.Get(closing)
			if err != nil {
				return fixed.Quote{}, fixed.Quote{}, err
			}
			if closedValue, err = position.BaseAssetValue(m, pos); err != nil {
				return fixed.Quote{}, fixed.Quote{}, err
			}
		}
	}
	total, err := c.TotalCollateral(account)
	if err != nil {
		return fixed.Quote{}, fixed.Quote{}, err
	}
	if !req.LessThan(total) {
		return fixed.Quote{}, closedValue, nil
	}
	var calc fixed.Calc
	free := calc.Sub(total.Int(), req.Int())
	return fixed.Of[fixed.QuoteScale](free), closedValue, calc.Err()
}
