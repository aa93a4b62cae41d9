package liquidation

import (
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/position"
)

// enteredAt opens base in market m at its current value, so unrealized P&L
// is zero.
func enteredAt(t *testing.T, m model.Market, base int64) model.UserPosition {
	t.Helper()
	pos := model.UserPosition{MarketIndex: m.Index, BaseAssetAmount: fixed.NewBase(base)}
	value, err := position.BaseAssetValue(m, pos)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	pos.QuoteAssetAmount = value
	return pos
}

func liquidate(t *testing.T, acct model.UserAccount, markets model.MarketSet) Outcome {
	t.Helper()
	out, err := Liquidate(acct, markets, DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return out
}

func expectSplit(t *testing.T, out Outcome, penalty, liquidator, insurance int64) {
	t.Helper()
	if !out.Penalty.Equal(fixed.NewQuote(penalty)) {
		t.Errorf("expected penalty %d, got %s", penalty, out.Penalty)
	}
	if !out.LiquidatorShare.Equal(fixed.NewQuote(liquidator)) {
		t.Errorf("expected liquidator share %d, got %s", liquidator, out.LiquidatorShare)
	}
	if !out.InsuranceShare.Equal(fixed.NewQuote(insurance)) {
		t.Errorf("expected insurance share %d, got %s", insurance, out.InsuranceShare)
	}
}

func TestLiquidate_SufficientCollateral(t *testing.T) {
	markets := model.MarketSet{1: testMarket(1)}
	_, err := Liquidate(account(10_000_000, longAt(1)), markets, DefaultParams())
	if !errors.Is(err, ErrSufficientCollateral) {
		t.Errorf("expected ErrSufficientCollateral, got %v", err)
	}
	_, err = Liquidate(account(0), markets, DefaultParams())
	if !errors.Is(err, ErrSufficientCollateral) {
		t.Errorf("expected an account without positions to be safe, got %v", err)
	}
}

func TestLiquidate_Full(t *testing.T) {
	markets := model.MarketSet{1: testMarket(1)}
	// Maintenance requirement is 2449345.
	acct := account(2_000_000, longAt(1))

	out := liquidate(t, acct, markets)
	if out.Type != model.LiquidationFull {
		t.Fatalf("expected FULL, got %s", out.Type)
	}
	if len(out.Closes) != 1 || out.Account.PositionOrEmpty(1).IsOpen() {
		t.Fatalf("expected the position closed, got %+v", out.Account.Positions)
	}
	if !out.BaseAssetValueClosed.Equal(fixed.NewQuote(48_986_902)) {
		t.Errorf("expected 48986902 closed, got %s", out.BaseAssetValueClosed)
	}
	// 5% of 2000000, a twentieth to the liquidator.
	expectSplit(t, out, 100_000, 5_000, 95_000)
	if !out.Account.Collateral.Equal(fixed.NewQuote(1_900_000)) {
		t.Errorf("expected collateral 1900000, got %s", out.Account.Collateral)
	}
	if got := out.Markets(); len(got) != 1 || !got[0].BaseAssetAmount.IsZero() {
		t.Errorf("expected market 1 flat after the close, got %+v", got)
	}
	if !acct.Positions[0].IsOpen() {
		t.Error("Liquidate mutated the input account")
	}
}

func TestLiquidate_Partial(t *testing.T) {
	markets := model.MarketSet{1: testMarket(1)}
	// Between the maintenance (2449345) and partial (3061681) requirements.
	acct := account(2_800_000, longAt(1))

	out := liquidate(t, acct, markets)
	if out.Type != model.LiquidationPartial {
		t.Fatalf("expected PARTIAL, got %s", out.Type)
	}
	if len(out.Closes) != 1 {
		t.Fatalf("expected one close, got %d", len(out.Closes))
	}
	left := out.Account.PositionOrEmpty(1).BaseAssetAmount
	if left.LessThan(fixed.NewBase(oneBase*74/100)) || left.GreaterThan(fixed.NewBase(oneBase*76/100)) {
		t.Errorf("expected about three quarters of the position left, got %s", left)
	}
	// 2.5% of 2800000 is 70000, scaled by how close the fill came to a
	// quarter of the value.
	if out.Penalty.LessThan(fixed.NewQuote(69_990)) || out.Penalty.GreaterThan(fixed.NewQuote(70_010)) {
		t.Errorf("expected a penalty near 70000, got %s", out.Penalty)
	}
	var c fixed.Calc
	half := fixed.Of[fixed.QuoteScale](c.QuoInt64(out.Penalty.Int(), 2))
	if !out.LiquidatorShare.Equal(half) {
		t.Errorf("expected half the penalty to the liquidator, got %s of %s", out.LiquidatorShare, out.Penalty)
	}
	want := c.Sub(c.Add(fixed.NewInt(2_800_000), out.Closes[0].RealizedPnL.Int()), out.Penalty.Int())
	if !out.Account.Collateral.Int().Equal(want) {
		t.Errorf("expected collateral %s, got %s", want, out.Account.Collateral)
	}
}

func TestLiquidate_FullStopsOnceCovered(t *testing.T) {
	markets := model.MarketSet{1: testMarket(1), 2: testMarket(2)}
	// Maintenance requirement is 4898700, partial 6123375.
	acct := account(4_500_000, longAt(1), shortAt(2))

	out := liquidate(t, acct, markets)
	if out.Type != model.LiquidationFull {
		t.Fatalf("expected FULL, got %s", out.Type)
	}
	// The short carries the larger requirement, and closing it alone brings
	// the account back above maintenance.
	if len(out.Closes) != 1 || out.Closes[0].Market.Index != 2 {
		t.Fatalf("expected only market 2 closed, got %d closes", len(out.Closes))
	}
	if !out.Account.PositionOrEmpty(1).IsOpen() || out.Account.PositionOrEmpty(2).IsOpen() {
		t.Errorf("expected the long kept and the short closed, got %+v", out.Account.Positions)
	}
	// 225000 * 48987098 / 97974000.
	expectSplit(t, out, 112_500, 5_625, 106_875)
	if !out.Account.Collateral.Equal(fixed.NewQuote(4_387_500)) {
		t.Errorf("expected collateral 4387500, got %s", out.Account.Collateral)
	}
}

func TestLiquidate_DustClosesEverything(t *testing.T) {
	m := testMarket(1)
	markets := model.MarketSet{1: m}
	// Worth about 17.1 quote: one unit of collateral sits between the two
	// requirements, which alone would be a partial liquidation.
	acct := account(1_000_000, enteredAt(t, m, oneBase*35/100))

	out := liquidate(t, acct, markets)
	if out.Type != model.LiquidationFull {
		t.Fatalf("expected a dust account to be closed out in full, got %s", out.Type)
	}
	if out.Account.PositionOrEmpty(1).IsOpen() {
		t.Errorf("expected the position closed, got %s", out.Account.PositionOrEmpty(1).BaseAssetAmount)
	}
	expectSplit(t, out, 50_000, 2_500, 47_500)
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Params)
	}{
		{"zero close percentage", func(p *Params) { p.PartialClosePercentage = fixed.Ratio{} }},
		{"close above 100%", func(p *Params) { p.PartialClosePercentage = fixed.NewRatio(10_001) }},
		{"negative penalty", func(p *Params) { p.FullPenalty = fixed.NewRatio(-1) }},
		{"zero share denominator", func(p *Params) { p.PartialLiquidatorShareDenominator = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.modify(&p)
			if err := p.Validate(); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
	if err := DefaultParams().Validate(); err != nil {
		t.Errorf("expected defaults to be valid, got %v", err)
	}
}
