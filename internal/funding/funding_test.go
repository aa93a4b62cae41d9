package funding

import (
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

const oneBase = 10_000_000_000_000

func testMarket(idx uint64) model.Market {
	r := fixed.Of[fixed.ReserveScale](fixed.MustParseInt("5000000000000000000"))
	return model.Market{
		Index:                  idx,
		BaseAssetReserve:       r,
		QuoteAssetReserve:      r,
		SqrtK:                  r,
		PegMultiplier:          fixed.NewPeg(48_987),
		MarginRatioInitial:     fixed.NewRatio(2000),
		MarginRatioPartial:     fixed.NewRatio(625),
		MarginRatioMaintenance: fixed.NewRatio(500),
		FundingPeriod:          3600,
		LastMarkPriceTwap:      fixed.NewPrice(489_870_000_000),
	}
}

func account(collateral int64, positions ...model.UserPosition) model.UserAccount {
	return model.UserAccount{Address: "terra1user", Collateral: fixed.NewQuote(collateral), Positions: positions}
}

// --- Payment sign convention ---

func TestPayment_LongsPayWhenRateRises(t *testing.T) {
	m := testMarket(1)
	m.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000) // +0.01

	long := model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)}
	short := model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(-oneBase)}

	p, err := Payment(m, long)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(fixed.NewQuote(-10_000)) {
		t.Errorf("expected long to pay 10000, got %s", p)
	}
	p, _ = Payment(m, short)
	if !p.Equal(fixed.NewQuote(10_000)) {
		t.Errorf("expected short to receive 10000, got %s", p)
	}
}

func TestPayment_ShortsPayWhenRateFalls(t *testing.T) {
	m := testMarket(1)
	m.CumulativeFundingRate = fixed.NewFundingRate(-1_000_000_000_000)

	p, _ := Payment(m, model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)})
	if !p.Equal(fixed.NewQuote(10_000)) {
		t.Errorf("expected long to receive 10000, got %s", p)
	}
	p, _ = Payment(m, model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(-oneBase)})
	if !p.Equal(fixed.NewQuote(-10_000)) {
		t.Errorf("expected short to pay 10000, got %s", p)
	}
}

func TestPayment_EmptyPosition(t *testing.T) {
	m := testMarket(1)
	m.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000)
	p, err := Payment(m, model.UserPosition{MarketIndex: 1})
	if err != nil || !p.IsZero() {
		t.Errorf("expected zero, got %s (%v)", p, err)
	}
}

// --- Settlement ---

func TestSettle_Idempotent(t *testing.T) {
	m := testMarket(1)
	m.CumulativeFundingRate = fixed.NewFundingRate(3_000_000_000_000)
	m.LastFundingRateTs = 7200
	acct := account(10_000_000, model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)})

	first, err := Settle(acct, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Payment.Equal(fixed.NewQuote(-30_000)) {
		t.Errorf("expected -30000, got %s", first.Payment)
	}
	if !first.Account.Collateral.Equal(fixed.NewQuote(9_970_000)) {
		t.Errorf("expected collateral 9970000, got %s", first.Account.Collateral)
	}
	if first.Record == nil {
		t.Fatal("expected a payment record")
	}
	if !first.Position.LastCumulativeFundingRate.Equal(m.CumulativeFundingRate) || first.Position.LastFundingRateTs != 7200 {
		t.Errorf("expected snapshot moved to market, got %s@%d",
			first.Position.LastCumulativeFundingRate, first.Position.LastFundingRateTs)
	}

	second, err := Settle(first.Account, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.Payment.IsZero() {
		t.Errorf("expected zero payment on second settle, got %s", second.Payment)
	}
	if second.Record != nil {
		t.Error("expected no record on second settle")
	}
	if !second.Account.Collateral.Equal(first.Account.Collateral) {
		t.Error("second settle changed collateral")
	}
}

func TestSettle_DoesNotMutateInput(t *testing.T) {
	m := testMarket(1)
	m.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000)
	acct := account(10_000_000, model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)})
	if _, err := Settle(acct, m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acct.Positions[0].LastCumulativeFundingRate.IsZero() || !acct.Collateral.Equal(fixed.NewQuote(10_000_000)) {
		t.Error("Settle mutated the input account")
	}
}

func TestSettle_FloorsCollateral(t *testing.T) {
	m := testMarket(1)
	m.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000_000) // +10 per unit
	acct := account(1_000_000, model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)})
	s, err := Settle(acct, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.Account.Collateral.IsZero() {
		t.Errorf("expected collateral floored at zero, got %s", s.Account.Collateral)
	}
}

func TestSettleAll(t *testing.T) {
	m1, m2 := testMarket(1), testMarket(2)
	m1.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000)
	m2.CumulativeFundingRate = fixed.NewFundingRate(2_000_000_000_000)
	markets := model.MarketSet{1: m1, 2: m2}
	acct := account(10_000_000,
		model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)},
		model.UserPosition{MarketIndex: 2, BaseAssetAmount: fixed.NewBase(-oneBase)},
		model.UserPosition{MarketIndex: 3},
	)

	updated, records, err := SettleAll(acct, markets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Position.MarketIndex != 1 || records[1].Position.MarketIndex != 2 {
		t.Errorf("expected settlements in position order, got markets %d and %d",
			records[0].Position.MarketIndex, records[1].Position.MarketIndex)
	}
	// -10000 on the long, +20000 on the short.
	if !updated.Collateral.Equal(fixed.NewQuote(10_010_000)) {
		t.Errorf("expected 10010000, got %s", updated.Collateral)
	}

	_, again, err := SettleAll(updated, markets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no records on second pass, got %d", len(again))
	}
}

func TestSettleAll_ConvertsSumOnce(t *testing.T) {
	m1, m2 := testMarket(1), testMarket(2)
	m1.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000)
	m2.CumulativeFundingRate = fixed.NewFundingRate(1_000_000_000_000)
	// Each short receives 10000.6 quote units before truncation.
	size := fixed.NewBase(-(oneBase + 600_000_000))
	acct := account(10_000_000,
		model.UserPosition{MarketIndex: 1, BaseAssetAmount: size},
		model.UserPosition{MarketIndex: 2, BaseAssetAmount: size},
	)

	updated, records, err := SettleAll(acct, model.MarketSet{1: m1, 2: m2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range records {
		if !r.Payment.Equal(fixed.NewQuote(10_000)) {
			t.Errorf("market %d: expected record of 10000, got %s", r.Position.MarketIndex, r.Payment)
		}
	}
	if !updated.Collateral.Equal(fixed.NewQuote(10_020_001)) {
		t.Errorf("expected 10020001, got %s", updated.Collateral)
	}
	if !records[1].Account.Collateral.Equal(updated.Collateral) {
		t.Errorf("expected settlements to carry the settled account")
	}
}

func TestSettleAll_MissingMarket(t *testing.T) {
	acct := account(1, model.UserPosition{MarketIndex: 9, BaseAssetAmount: fixed.NewBase(1)})
	_, _, err := SettleAll(acct, model.MarketSet{})
	if !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

// --- Rate updates ---

func TestNextUpdateWait(t *testing.T) {
	tests := []struct {
		lastTs, period, want int64
	}{
		{0, 3600, 3600},
		{3600 + 1000, 3600, 2600}, // on time for the next boundary
		{3600 + 2000, 3600, 5200}, // too late, skip a boundary
		{5, 1, 1},
	}
	for _, tt := range tests {
		if got := nextUpdateWait(tt.lastTs, tt.period); got != tt.want {
			t.Errorf("nextUpdateWait(%d, %d) = %d, want %d", tt.lastTs, tt.period, got, tt.want)
		}
	}
}

func TestUpdateRate_NotDue(t *testing.T) {
	m := testMarket(1)
	next, rec, err := UpdateRate(m, fixed.NewPrice(480_000_000_000), 1800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Error("expected no update before the period elapsed")
	}
	if !next.CumulativeFundingRate.Equal(m.CumulativeFundingRate) {
		t.Error("market changed without an update")
	}
}

func TestUpdateRate_MarkAboveOracle(t *testing.T) {
	m := testMarket(1)
	m.LastOraclePriceTwap = fixed.NewPrice(480_000_000_000)

	next, rec, err := UpdateRate(m, fixed.NewPrice(480_000_000_000), 3600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a funding rate record")
	}
	// (489.87 - 480) * FundingPaymentPrecision / 24 at MarkPricePrecision.
	want := fixed.NewFundingRate(4_112_500_000_000)
	if !rec.FundingRate.Equal(want) {
		t.Errorf("expected rate %s, got %s", want, rec.FundingRate)
	}
	if !next.CumulativeFundingRate.Equal(want) || next.LastFundingRateTs != 3600 {
		t.Errorf("unexpected cumulative %s at %d", next.CumulativeFundingRate, next.LastFundingRateTs)
	}
	if next.LastOraclePriceTwapTs != 3600 || next.LastMarkPriceTwapTs != 3600 {
		t.Error("expected both TWAP timestamps advanced")
	}

	// A long opened before the update pays.
	p, _ := Payment(next, model.UserPosition{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)})
	if !p.IsNegative() {
		t.Errorf("expected long to pay when mark trades above oracle, got %s", p)
	}
}

func TestUpdateRate_ClockSkew(t *testing.T) {
	m := testMarket(1)
	m.LastFundingRateTs = 10_000
	_, _, err := UpdateRate(m, fixed.NewPrice(1), 5)
	if !errors.Is(err, ErrClockSkew) {
		t.Errorf("expected ErrClockSkew, got %v", err)
	}
}
