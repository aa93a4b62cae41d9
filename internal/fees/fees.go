// Package fees charges the exchange fee on trades and books it into the
// market's fee pool.
package fees

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

// ErrInvalidSchedule is returned for a fee fraction that is negative, has a
// zero denominator or is one or more.
var ErrInvalidSchedule = errors.New("fees: invalid fee schedule")

// Schedule is the fee charged on a trade as a fraction of its quote amount.
type Schedule struct {
	Numerator   int64
	Denominator int64
}

// Default charges ten basis points.
var Default = Schedule{Numerator: 1, Denominator: 1000}

// Validate checks the schedule is a fraction in [0, 1).
func (s Schedule) Validate() error {
	if s.Numerator < 0 || s.Denominator <= 0 || s.Numerator >= s.Denominator {
		return fmt.Errorf("%w: %d/%d", ErrInvalidSchedule, s.Numerator, s.Denominator)
	}
	return nil
}

func (s Schedule) String() string {
	return fmt.Sprintf("%d/%d", s.Numerator, s.Denominator)
}

// ForTrade returns the fee on a trade of quote, rounded down.
func (s Schedule) ForTrade(quote fixed.Quote) (fixed.Quote, error) {
	if err := s.Validate(); err != nil {
		return fixed.Quote{}, err
	}
	var c fixed.Calc
	fee := c.QuoInt64(c.MulInt64(quote.Int().Abs(), s.Numerator), s.Denominator)
	if err := c.Err(); err != nil {
		return fixed.Quote{}, fmt.Errorf("fees: trade fee: %w", err)
	}
	return fixed.Of[fixed.QuoteScale](fee), nil
}

// Collect adds fee to the market's fee pool.
func Collect(m model.Market, fee fixed.Quote) (model.Market, error) {
	var c fixed.Calc
	m.TotalFee = fixed.Of[fixed.QuoteScale](c.Add(m.TotalFee.Int(), fee.Int()))
	m.TotalFeeMinusDistributions = fixed.Of[fixed.QuoteScale](c.Add(m.TotalFeeMinusDistributions.Int(), fee.Int()))
	if err := c.Err(); err != nil {
		return model.Market{}, fmt.Errorf("fees: collect in market %d: %w", m.Index, err)
	}
	return m, nil
}
