// Package funding settles periodic funding between positions and the
// market's cumulative funding rate, and advances that rate.
//
// Funding is settled lazily: a position remembers the cumulative rate it
// last settled at and owes the difference times its size. When the
// cumulative rate rises, longs pay and shorts receive.
package funding

import (
	"errors"
	"fmt"

	"github.com/atmx/perp-engine/internal/amm"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// OneHour is the shortest period the funding window is divided by.
const OneHour int64 = 3600

// ErrClockSkew is returned when now is before the market's last update.
var ErrClockSkew = errors.New("funding: timestamp before last funding update")

// paymentAtReservePrecision returns |delta| * |base| / FundingRatePrecision
// signed so that a positive delta is paid by longs, at AMMReservePrecision.
func paymentAtReservePrecision(delta fixed.Int, base fixed.Base) (fixed.Int, error) {
	var c fixed.Calc
	magnitude := c.QuoInt64(c.QuoInt64(c.Mul(delta.Abs(), base.Int().Abs()), fixed.MarkPricePrecision), fixed.FundingPaymentPrecision)
	if err := c.Err(); err != nil {
		return fixed.Int{}, fmt.Errorf("funding: payment: %w", err)
	}
	if base.IsPositive() == delta.IsPositive() {
		return magnitude.Neg(), nil
	}
	return magnitude, nil
}

// rawPayment returns the funding owed on pos at AMMReservePrecision.
func rawPayment(m model.Market, pos model.UserPosition) (fixed.Int, error) {
	if !pos.IsOpen() {
		return fixed.Int{}, nil
	}
	var c fixed.Calc
	delta := c.Sub(m.CumulativeFundingRate.Int(), pos.LastCumulativeFundingRate.Int())
	if err := c.Err(); err != nil {
		return fixed.Int{}, fmt.Errorf("funding: rate delta: %w", err)
	}
	return paymentAtReservePrecision(delta, pos.BaseAssetAmount)
}

func toQuote(raw fixed.Int) (fixed.Quote, error) {
	var c fixed.Calc
	q := c.QuoInt64(raw, fixed.AMMToQuotePrecisionRatio)
	return fixed.Of[fixed.QuoteScale](q), c.Err()
}

// Payment returns the funding owed to (positive) or by (negative) the holder
// of pos, in quote precision. An empty position owes nothing.
func Payment(m model.Market, pos model.UserPosition) (fixed.Quote, error) {
	raw, err := rawPayment(m, pos)
	if err != nil {
		return fixed.Quote{}, err
	}
	return toQuote(raw)
}

// Settlement is the outcome of settling one market for one account.
type Settlement struct {
	Payment  fixed.Quote
	Position model.UserPosition
	Account  model.UserAccount
	// Record is nil when the position was already up to date.
	Record *model.FundingPaymentRecord

	raw fixed.Int
}

// settlePosition moves the position's funding snapshot to the market's
// current rate without touching collateral.
func settlePosition(acct model.UserAccount, m model.Market) (Settlement, error) {
	pos := acct.PositionOrEmpty(m.Index)
	s := Settlement{Position: pos, Account: acct}
	if !pos.IsOpen() || pos.LastCumulativeFundingRate.Equal(m.CumulativeFundingRate) {
		return s, nil
	}

	raw, err := rawPayment(m, pos)
	if err != nil {
		return Settlement{}, err
	}
	payment, err := toQuote(raw)
	if err != nil {
		return Settlement{}, err
	}
	rec := &model.FundingPaymentRecord{
		FundingPayment:            payment,
		BaseAssetAmount:           pos.BaseAssetAmount,
		UserLastCumulativeFunding: pos.LastCumulativeFundingRate,
		UserLastFundingRateTs:     pos.LastFundingRateTs,
		AmmCumulativeFunding:      m.CumulativeFundingRate,
	}

	pos.LastCumulativeFundingRate = m.CumulativeFundingRate
	pos.LastFundingRateTs = m.LastFundingRateTs
	acct.SetPosition(pos)

	return Settlement{Payment: payment, Position: pos, Account: acct, Record: rec, raw: raw}, nil
}

// Settle applies the funding owed on account's position in m. The payment
// moves collateral, floored at zero, and the position's snapshot is moved to
// the market's current rate so settling again yields nothing.
func Settle(account model.UserAccount, m model.Market) (Settlement, error) {
	s, err := settlePosition(account.Clone(), m)
	if err != nil || s.Record == nil {
		return s, err
	}
	s.Account.Collateral, err = position.UpdatedCollateral(s.Account.Collateral, s.Payment)
	if err != nil {
		return Settlement{}, err
	}
	return s, nil
}

// SettleAll settles every open position of account against markets and
// returns the updated account with the settlement of each market that paid,
// in position order.
//
// Payments are summed at reserve precision and converted to quote once, so
// the account can receive more than the sum of the per-market records when
// several markets each round away a fraction.
func SettleAll(account model.UserAccount, markets model.MarketSet) (model.UserAccount, []Settlement, error) {
	acct := account.Clone()
	var (
		paid  []Settlement
		total fixed.Int
		c     fixed.Calc
	)
	for _, pos := range account.Positions {
		if !pos.IsOpen() {
			continue
		}
		m, err := markets.Get(pos.MarketIndex)
		if err != nil {
			return model.UserAccount{}, nil, err
		}
		s, err := settlePosition(acct, m)
		if err != nil {
			return model.UserAccount{}, nil, err
		}
		acct = s.Account
		if s.Record != nil {
			total = c.Add(total, s.raw)
			paid = append(paid, s)
		}
	}
	if len(paid) == 0 {
		return acct, nil, nil
	}

	payment, err := toQuote(total)
	if err == nil {
		err = c.Err()
	}
	if err != nil {
		return model.UserAccount{}, nil, fmt.Errorf("funding: settle: %w", err)
	}
	acct.Collateral, err = position.UpdatedCollateral(acct.Collateral, payment)
	if err != nil {
		return model.UserAccount{}, nil, err
	}
	for i := range paid {
		paid[i].Account = acct
	}
	return acct, paid, nil
}

// nextUpdateWait returns how long after the last update the next one is
// allowed. Updates snap to period boundaries: a late update shortens the
// next wait, unless it was more than a third of a period late, in which
// case the following boundary is used.
func nextUpdateWait(lastTs, period int64) int64 {
	if period <= 1 {
		return period
	}
	delay := ((lastTs % period) + period) % period
	switch {
	case delay == 0:
		return period
	case delay > period/3:
		return 2*period - delay
	default:
		return period - delay
	}
}

// UpdateRate advances the funding rate of m if the next update is due at
// now. It folds oraclePrice into the oracle TWAP, refreshes the mark TWAP
// and adds the period's rate to the cumulative rate. It returns the updated
// market and a record, or the unchanged market and nil when not yet due.
func UpdateRate(m model.Market, oraclePrice fixed.Price, now int64) (model.Market, *model.FundingRateRecord, error) {
	since := now - m.LastFundingRateTs
	if since < 0 {
		return m, nil, fmt.Errorf("%w: market %d at %d, now %d", ErrClockSkew, m.Index, m.LastFundingRateTs, now)
	}
	if since < nextUpdateWait(m.LastFundingRateTs, m.FundingPeriod) {
		return m, nil, nil
	}

	oracle, err := amm.NewOracleTwap(m, now, oraclePrice)
	if err != nil {
		return m, nil, err
	}
	if oracle.Applied {
		m.LastOraclePrice = oracle.Price
		m.LastOraclePriceTwap = oracle.Twap
		m.LastOraclePriceTwapTs = now
	}

	mark, err := amm.MarkPrice(m)
	if err != nil {
		return m, nil, err
	}
	markTwap, err := amm.NewMarkTwap(m, now, mark)
	if err != nil {
		return m, nil, err
	}
	m.LastMarkPriceTwap = markTwap
	m.LastMarkPriceTwapTs = now

	// A one hour period over a one day window: the rate per period is a
	// twenty-fourth of the daily spread.
	periodAdjustment := 24 * OneHour / max(OneHour, m.FundingPeriod)

	var c fixed.Calc
	spread := c.Sub(markTwap.Int(), oracle.Twap.Int())
	rate := c.QuoInt64(c.MulInt64(spread, fixed.FundingPaymentPrecision), periodAdjustment)
	cumulative := c.Add(m.CumulativeFundingRate.Int(), rate)
	if err := c.Err(); err != nil {
		return m, nil, fmt.Errorf("funding: rate: %w", err)
	}

	m.CumulativeFundingRate = fixed.Of[fixed.FundingRateScale](cumulative)
	m.LastFundingRate = fixed.Of[fixed.FundingRateScale](rate)
	m.LastFundingRateTs = now

	return m, &model.FundingRateRecord{
		FundingRate:           m.LastFundingRate,
		CumulativeFundingRate: m.CumulativeFundingRate,
		MarkPriceTwap:         markTwap,
		OraclePriceTwap:       oracle.Twap,
	}, nil
}
