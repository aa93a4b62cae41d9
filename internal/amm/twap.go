package amm

import (
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// Twap returns (old*oldWeight + new*newWeight) / (newWeight + oldWeight).
func Twap(newData, oldData fixed.Price, newWeight, oldWeight int64) (fixed.Price, error) {
	var c fixed.Calc
	v := c.Quo(
		c.Add(c.MulInt64(oldData.Int(), oldWeight), c.MulInt64(newData.Int(), newWeight)),
		fixed.NewInt(newWeight+oldWeight),
	)
	if err := c.Err(); err != nil {
		return fixed.Price{}, fmt.Errorf("amm: twap: %w", err)
	}
	return fixed.Of[fixed.PriceScale](v), nil
}

// twapWeights weighs the new sample by the seconds since the last one and
// the old average by what is left of the funding period. Both are at least 1.
func twapWeights(now, lastTs, period int64) (newWeight, oldWeight int64) {
	newWeight = max(1, now-lastTs)
	oldWeight = max(1, period-newWeight)
	return newWeight, oldWeight
}

// NewMarkTwap folds markPrice into the market's mark TWAP as of now.
func NewMarkTwap(m model.Market, now int64, markPrice fixed.Price) (fixed.Price, error) {
	nw, ow := twapWeights(now, m.LastMarkPriceTwapTs, m.FundingPeriod)
	return Twap(markPrice, m.LastMarkPriceTwap, nw, ow)
}

// OracleTwap is the outcome of folding an oracle observation into a market.
type OracleTwap struct {
	// Price is the observation after the per-update cap.
	Price fixed.Price
	// Twap is the new oracle TWAP, or the previous one when not Applied.
	Twap fixed.Price
	// Applied is false when the capped observation was not positive.
	Applied bool
}

// NewOracleTwap folds oraclePrice into the market's oracle TWAP as of now.
// A single update may move the observation at most a third of its own value
// away from the current TWAP.
func NewOracleTwap(m model.Market, now int64, oraclePrice fixed.Price) (OracleTwap, error) {
	last := m.LastOraclePriceTwap
	var c fixed.Calc
	spread := c.Sub(oraclePrice.Int(), last.Int())
	third := c.QuoInt64(oraclePrice.Int(), 3)
	capped := oraclePrice.Int()
	if spread.Abs().GreaterThan(third.Abs()) {
		if oraclePrice.GreaterThan(last) {
			capped = c.Add(last.Int(), third)
		} else {
			capped = c.Sub(last.Int(), third)
		}
	}
	if err := c.Err(); err != nil {
		return OracleTwap{}, fmt.Errorf("amm: oracle twap: %w", err)
	}
	if !capped.IsPositive() || !oraclePrice.IsPositive() {
		return OracleTwap{Twap: last}, nil
	}

	price := fixed.Of[fixed.PriceScale](capped)
	nw, ow := twapWeights(now, m.LastOraclePriceTwapTs, m.FundingPeriod)
	twap, err := Twap(price, last, nw, ow)
	if err != nil {
		return OracleTwap{}, err
	}
	return OracleTwap{Price: price, Twap: twap, Applied: true}, nil
}
