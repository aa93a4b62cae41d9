// Package listing validates new perpetual market definitions and derives
// their initial AMM state.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/margin"
	"github.com/atmx/perp-engine/internal/model"
)

// Default risk parameters of a freshly listed market.
const (
	DefaultMarginRatioInitial     int64 = 2000 // 5x
	DefaultMarginRatioPartial     int64 = 625
	DefaultMarginRatioMaintenance int64 = 500
	DefaultFundingPeriod          int64 = 3600
)

// DefaultMinimumBaseAssetTradeSize is 0.000001 base units.
var DefaultMinimumBaseAssetTradeSize = fixed.NewBase(10_000_000)

// nameRegex matches: {SYMBOL}-PERP
// Example: LUNA-PERP
var nameRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-PERP$`)

var (
	ErrInvalidName        = errors.New("listing: invalid market name")
	ErrInvalidReserve     = errors.New("listing: reserve must be positive")
	ErrInvalidInitialMark = errors.New("listing: invalid initial price")
	ErrInvalidPeriod      = errors.New("listing: funding period must be positive")
)

// ParseName validates a market name and returns its base symbol.
// Format: {SYMBOL}-PERP
func ParseName(name string) (string, error) {
	matches := nameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", fmt.Errorf("%w: %s (expected {SYMBOL}-PERP)", ErrInvalidName, name)
	}
	return matches[1], nil
}

// DefaultReserve returns 5e13 * sqrt(MarkPricePrecision), the depth both
// reserves start at unless a listing says otherwise.
func DefaultReserve() fixed.Reserve {
	sqrtPrecision, err := fixed.Sqrt(fixed.NewInt(fixed.MarkPricePrecision))
	if err != nil {
		panic(err)
	}
	var c fixed.Calc
	return fixed.Of[fixed.ReserveScale](c.MulInt64(sqrtPrecision, 50_000_000_000_000))
}

// PegFromPrice returns the peg multiplier that puts the mark of balanced
// reserves at price, truncated to PegPrecision.
func PegFromPrice(price fixed.Price) (fixed.Peg, error) {
	var c fixed.Calc
	peg := c.QuoInt64(price.Int(), fixed.PriceToPegPrecisionRatio)
	if err := c.Err(); err != nil {
		return fixed.Peg{}, err
	}
	if !peg.IsPositive() {
		return fixed.Peg{}, fmt.Errorf("%w: %s is below one peg unit", ErrInvalidInitialMark, price)
	}
	return fixed.Of[fixed.PegScale](peg), nil
}

// Params describes a market to list. Zero fields take the defaults above;
// InitialPrice is required.
type Params struct {
	Index        uint64
	Name         string
	InitialPrice fixed.Price
	// BaseAssetReserve sets both reserves and sqrt k.
	BaseAssetReserve fixed.Reserve
	FundingPeriod    int64 // seconds

	MarginRatioInitial     int64
	MarginRatioPartial     int64
	MarginRatioMaintenance int64
}

func (p Params) withDefaults() Params {
	if p.BaseAssetReserve.IsZero() {
		p.BaseAssetReserve = DefaultReserve()
	}
	if p.FundingPeriod == 0 {
		p.FundingPeriod = DefaultFundingPeriod
	}
	if p.MarginRatioInitial == 0 && p.MarginRatioPartial == 0 && p.MarginRatioMaintenance == 0 {
		p.MarginRatioInitial = DefaultMarginRatioInitial
		p.MarginRatioPartial = DefaultMarginRatioPartial
		p.MarginRatioMaintenance = DefaultMarginRatioMaintenance
	}
	return p
}

// NewMarket validates p and builds the market as of now. Both reserves start
// at the same depth so the mark equals the peg, and the mark TWAP starts at
// that mark.
func NewMarket(p Params, now time.Time) (model.Market, error) {
	p = p.withDefaults()
	if _, err := ParseName(p.Name); err != nil {
		return model.Market{}, err
	}
	if !p.BaseAssetReserve.IsPositive() {
		return model.Market{}, fmt.Errorf("%w: reserve %s", ErrInvalidReserve, p.BaseAssetReserve)
	}
	if p.FundingPeriod < 0 {
		return model.Market{}, fmt.Errorf("%w: %d", ErrInvalidPeriod, p.FundingPeriod)
	}
	if err := margin.ValidateRatios(p.MarginRatioInitial, p.MarginRatioPartial, p.MarginRatioMaintenance); err != nil {
		return model.Market{}, err
	}
	peg, err := PegFromPrice(p.InitialPrice)
	if err != nil {
		return model.Market{}, err
	}

	// k = reserve² must fit.
	var c fixed.Calc
	c.Mul(p.BaseAssetReserve.Int(), p.BaseAssetReserve.Int())
	if err := c.Err(); err != nil {
		return model.Market{}, fmt.Errorf("listing: reserve %s too deep: %w", p.BaseAssetReserve, err)
	}

	ts := now.Unix()
	m := model.Market{
		Index:                     p.Index,
		Name:                      p.Name,
		BaseAssetReserve:          p.BaseAssetReserve,
		QuoteAssetReserve:         p.BaseAssetReserve,
		SqrtK:                     p.BaseAssetReserve,
		PegMultiplier:             peg,
		MarginRatioInitial:        fixed.NewRatio(p.MarginRatioInitial),
		MarginRatioPartial:        fixed.NewRatio(p.MarginRatioPartial),
		MarginRatioMaintenance:    fixed.NewRatio(p.MarginRatioMaintenance),
		FundingPeriod:             p.FundingPeriod,
		LastFundingRateTs:         ts,
		LastMarkPriceTwapTs:       ts,
		LastOraclePriceTwapTs:     ts,
		MinimumBaseAssetTradeSize: DefaultMinimumBaseAssetTradeSize,
		CreatedAt:                 now.UTC(),
	}
	mark, err := amm.MarkPrice(m)
	if err != nil {
		return model.Market{}, err
	}
	m.LastMarkPriceTwap = mark
	return m, nil
}
