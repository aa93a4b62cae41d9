// Package model defines the core domain types shared across the perp engine.
// All quantities are integers at a fixed scale (see package fixed), never
// float64.
package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
)

var (
	// ErrInvalidMarketState is returned when a market snapshot cannot be
	// priced: zero reserves, zero peg, or an inconsistent ratio ladder.
	ErrInvalidMarketState = errors.New("model: invalid market state")

	// ErrMarketNotFound is returned when a referenced market index is not
	// in the snapshot.
	ErrMarketNotFound = fmt.Errorf("%w: market not found", ErrInvalidMarketState)
)

// Direction is the side of a trade or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// ParseDirection accepts "LONG" or "SHORT".
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Long, Short:
		return Direction(s), nil
	}
	return "", fmt.Errorf("model: invalid direction %q", s)
}

// Market is one virtual AMM and its risk parameters.
// The constant product is SqrtK², fixed at initialisation.
type Market struct {
	Index             uint64        `json:"market_index"`
	Name              string        `json:"name"`
	BaseAssetReserve  fixed.Reserve `json:"base_asset_reserve"`
	QuoteAssetReserve fixed.Reserve `json:"quote_asset_reserve"`
	SqrtK             fixed.Reserve `json:"sqrt_k"`
	PegMultiplier     fixed.Peg     `json:"peg_multiplier"`

	MarginRatioInitial     fixed.Ratio `json:"margin_ratio_initial"`
	MarginRatioPartial     fixed.Ratio `json:"margin_ratio_partial"`
	MarginRatioMaintenance fixed.Ratio `json:"margin_ratio_maintenance"`

	CumulativeFundingRate fixed.FundingRate `json:"cumulative_funding_rate"`

	// Net user bias and its long/short legs.
	BaseAssetAmount      fixed.Base `json:"base_asset_amount"`
	BaseAssetAmountLong  fixed.Base `json:"base_asset_amount_long"`
	BaseAssetAmountShort fixed.Base `json:"base_asset_amount_short"`

	FundingPeriod         int64             `json:"funding_period"` // seconds
	LastFundingRate       fixed.FundingRate `json:"last_funding_rate"`
	LastFundingRateTs     int64             `json:"last_funding_rate_ts"`
	LastMarkPriceTwap     fixed.Price       `json:"last_mark_price_twap"`
	LastMarkPriceTwapTs   int64             `json:"last_mark_price_twap_ts"`
	LastOraclePrice       fixed.Price       `json:"last_oracle_price"`
	LastOraclePriceTwap   fixed.Price       `json:"last_oracle_price_twap"`
	LastOraclePriceTwapTs int64             `json:"last_oracle_price_twap_ts"`

	MinimumBaseAssetTradeSize fixed.Base `json:"minimum_base_asset_trade_size"`

	// Exchange fees collected on trades in this market, and what is left of
	// them after payouts.
	TotalFee                   fixed.Quote `json:"total_fee"`
	TotalFeeMinusDistributions fixed.Quote `json:"total_fee_minus_distributions"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate reports whether the snapshot can be priced.
func (m Market) Validate() error {
	switch {
	case !m.BaseAssetReserve.IsPositive():
		return fmt.Errorf("%w: market %d has base reserve %s", ErrInvalidMarketState, m.Index, m.BaseAssetReserve)
	case !m.QuoteAssetReserve.IsPositive():
		return fmt.Errorf("%w: market %d has quote reserve %s", ErrInvalidMarketState, m.Index, m.QuoteAssetReserve)
	case !m.SqrtK.IsPositive():
		return fmt.Errorf("%w: market %d has sqrt k %s", ErrInvalidMarketState, m.Index, m.SqrtK)
	case !m.PegMultiplier.IsPositive():
		return fmt.Errorf("%w: market %d has peg %s", ErrInvalidMarketState, m.Index, m.PegMultiplier)
	case m.MarginRatioMaintenance.IsNegative(),
		m.MarginRatioPartial.LessThan(m.MarginRatioMaintenance),
		m.MarginRatioInitial.LessThan(m.MarginRatioPartial):
		return fmt.Errorf("%w: market %d margin ratios %s/%s/%s out of order", ErrInvalidMarketState,
			m.Index, m.MarginRatioInitial, m.MarginRatioPartial, m.MarginRatioMaintenance)
	}
	return nil
}

// MarketSet is a consistent snapshot of markets keyed by index.
type MarketSet map[uint64]Market

// Get returns the market at idx or ErrMarketNotFound.
func (s MarketSet) Get(idx uint64) (Market, error) {
	m, ok := s[idx]
	if !ok {
		return Market{}, fmt.Errorf("%w: %d", ErrMarketNotFound, idx)
	}
	return m, nil
}

// UserPosition is one user's exposure in one market. A zero base amount is
// economically empty.
type UserPosition struct {
	MarketIndex               uint64            `json:"market_index"`
	BaseAssetAmount           fixed.Base        `json:"base_asset_amount"`  // + long, - short
	QuoteAssetAmount          fixed.Quote       `json:"quote_asset_amount"` // entry cost basis
	LastCumulativeFundingRate fixed.FundingRate `json:"last_cumulative_funding_rate"`
	LastFundingRateTs         int64             `json:"last_funding_rate_ts"`
	OpenOrders                uint64            `json:"open_orders"`
}

// IsOpen reports whether the position carries exposure.
func (p UserPosition) IsOpen() bool { return !p.BaseAssetAmount.IsZero() }

// Direction returns the side of an open position.
func (p UserPosition) Direction() Direction {
	if p.BaseAssetAmount.IsNegative() {
		return Short
	}
	return Long
}

// UserAccount aggregates a user's collateral and positions. Positions are
// unique by market index.
type UserAccount struct {
	Address            string         `json:"address"`
	Collateral         fixed.Quote    `json:"collateral"`
	CumulativeDeposits fixed.Quote    `json:"cumulative_deposits"`
	TotalFeePaid       fixed.Quote    `json:"total_fee_paid"`
	Positions          []UserPosition `json:"positions"`
}

// Position returns the position for a market, if the user ever traded it.
func (a *UserAccount) Position(idx uint64) (UserPosition, bool) {
	for _, p := range a.Positions {
		if p.MarketIndex == idx {
			return p, true
		}
	}
	return UserPosition{}, false
}

// PositionOrEmpty returns the position for a market or an empty one.
func (a *UserAccount) PositionOrEmpty(idx uint64) UserPosition {
	if p, ok := a.Position(idx); ok {
		return p
	}
	return UserPosition{MarketIndex: idx}
}

// SetPosition replaces the position for pos.MarketIndex, appending it the
// first time the market is traded.
func (a *UserAccount) SetPosition(pos UserPosition) {
	for i := range a.Positions {
		if a.Positions[i].MarketIndex == pos.MarketIndex {
			a.Positions[i] = pos
			return
		}
	}
	a.Positions = append(a.Positions, pos)
}

// Clone returns a deep copy so callers can compute a proposed state without
// touching the snapshot.
func (a UserAccount) Clone() UserAccount {
	c := a
	c.Positions = append([]UserPosition(nil), a.Positions...)
	return c
}

// LedgerKind names one of the append-only history streams.
type LedgerKind string

const (
	KindTrade          LedgerKind = "trade"
	KindDeposit        LedgerKind = "deposit"
	KindFundingPayment LedgerKind = "funding_payment"
	KindFundingRate    LedgerKind = "funding_rate"
	KindLiquidation    LedgerKind = "liquidation"
)

// LedgerKinds lists every stream, in display order.
var LedgerKinds = []LedgerKind{KindTrade, KindDeposit, KindFundingPayment, KindFundingRate, KindLiquidation}

// ParseLedgerKind validates a kind from a URL or config.
func ParseLedgerKind(s string) (LedgerKind, error) {
	for _, k := range LedgerKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("model: unknown ledger kind %q", s)
}

// LedgerEntry is an immutable history record. Seq is assigned by the store
// on insert and is the cursor for start_after queries. Exactly one of the
// record pointers is set, matching Kind.
type LedgerEntry struct {
	Seq            uint64                `json:"seq"`
	ID             string                `json:"id"`
	Kind           LedgerKind            `json:"kind"`
	UserAddress    string                `json:"user,omitempty"`
	MarketIndex    uint64                `json:"market_index"`
	Timestamp      time.Time             `json:"ts"`
	Trade          *TradeRecord          `json:"trade,omitempty"`
	Deposit        *DepositRecord        `json:"deposit,omitempty"`
	FundingPayment *FundingPaymentRecord `json:"funding_payment,omitempty"`
	FundingRate    *FundingRateRecord    `json:"funding_rate,omitempty"`
	Liquidation    *LiquidationRecord    `json:"liquidation,omitempty"`
}

// TradeRecord describes one executed swap against the AMM.
type TradeRecord struct {
	Direction        Direction   `json:"direction"`
	BaseAssetAmount  fixed.Base  `json:"base_asset_amount"`
	QuoteAssetAmount fixed.Quote `json:"quote_asset_amount"`
	MarkPriceBefore  fixed.Price `json:"mark_price_before"`
	MarkPriceAfter   fixed.Price `json:"mark_price_after"`
	EntryPrice       fixed.Price `json:"entry_price"`
	OraclePrice      fixed.Price `json:"oracle_price"`
	RealizedPnL      fixed.Quote `json:"realized_pnl"`
	Fee              fixed.Quote `json:"fee"`
	// Liquidation marks a close forced by a liquidator. Such trades pay no
	// fee.
	Liquidation bool `json:"liquidation,omitempty"`
}

// DepositDirection is the direction of a collateral movement.
type DepositDirection string

const (
	Deposit  DepositDirection = "DEPOSIT"
	Withdraw DepositDirection = "WITHDRAW"
)

// DepositRecord describes one collateral movement.
type DepositRecord struct {
	Direction                DepositDirection `json:"direction"`
	Amount                   fixed.Quote      `json:"amount"`
	CollateralBefore         fixed.Quote      `json:"collateral_before"`
	CumulativeDepositsBefore fixed.Quote      `json:"cumulative_deposits_before"`
}

// FundingPaymentRecord describes one settled funding payment. A positive
// payment was credited to the user.
type FundingPaymentRecord struct {
	FundingPayment            fixed.Quote       `json:"funding_payment"`
	BaseAssetAmount           fixed.Base        `json:"base_asset_amount"`
	UserLastCumulativeFunding fixed.FundingRate `json:"user_last_cumulative_funding"`
	UserLastFundingRateTs     int64             `json:"user_last_funding_rate_ts"`
	AmmCumulativeFunding      fixed.FundingRate `json:"amm_cumulative_funding"`
}

// FundingRateRecord describes one funding rate update of a market.
type FundingRateRecord struct {
	FundingRate           fixed.FundingRate `json:"funding_rate"`
	CumulativeFundingRate fixed.FundingRate `json:"cumulative_funding_rate"`
	MarkPriceTwap         fixed.Price       `json:"mark_price_twap"`
	OraclePriceTwap       fixed.Price       `json:"oracle_price_twap"`
}

// LiquidationType is how much of an account a liquidation closes.
type LiquidationType string

const (
	LiquidationPartial LiquidationType = "PARTIAL"
	LiquidationFull    LiquidationType = "FULL"
)

// LiquidationRecord describes one liquidation of the entry's user. The
// penalty is taken from the user's collateral and split between the
// liquidator and the insurance fund.
type LiquidationRecord struct {
	Type                 LiquidationType `json:"type"`
	Liquidator           string          `json:"liquidator"`
	TotalCollateral      fixed.Quote     `json:"total_collateral"`
	Collateral           fixed.Quote     `json:"collateral"`
	UnrealizedPnL        fixed.Quote     `json:"unrealized_pnl"`
	BaseAssetValue       fixed.Quote     `json:"base_asset_value"`
	BaseAssetValueClosed fixed.Quote     `json:"base_asset_value_closed"`
	MarginRequirement    fixed.Quote     `json:"margin_requirement"`
	MarginRatio          *fixed.Ratio    `json:"margin_ratio"`
	Penalty              fixed.Quote     `json:"penalty"`
	FeeToLiquidator      fixed.Quote     `json:"fee_to_liquidator"`
	FeeToInsuranceFund   fixed.Quote     `json:"fee_to_insurance_fund"`
	// TradeIDs are the ledger ids of the forced closes, in execution order.
	TradeIDs []string `json:"trade_ids"`
}
