package liquidation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

const oneBase = 10_000_000_000_000

var markAtStart = fixed.NewPrice(489_870_000_000)

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
	}
}

// longAt and shortAt are one unit positions entered at the current mark, so
// unrealized P&L is zero.
func longAt(idx uint64) model.UserPosition {
	return model.UserPosition{MarketIndex: idx, BaseAssetAmount: fixed.NewBase(oneBase), QuoteAssetAmount: fixed.NewQuote(48_986_902)}
}

func shortAt(idx uint64) model.UserPosition {
	return model.UserPosition{MarketIndex: idx, BaseAssetAmount: fixed.NewBase(-oneBase), QuoteAssetAmount: fixed.NewQuote(48_987_098)}
}

func account(collateral int64, positions ...model.UserPosition) model.UserAccount {
	return model.UserAccount{Address: "terra1user", Collateral: fixed.NewQuote(collateral), Positions: positions}
}

func solve(t *testing.T, s *Solver, acct model.UserAccount, idx uint64, change int64, partial bool) Result {
	t.Helper()
	r, err := s.Price(acct, idx, fixed.NewBase(change), partial)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return r
}

func expectPrice(t *testing.T, r Result, want int64) {
	t.Helper()
	p, ok := r.Price()
	if !ok {
		t.Fatalf("expected price %d, got %s", want, r)
	}
	if !p.Equal(fixed.NewPrice(want)) {
		t.Errorf("expected price %d, got %s", want, p)
	}
}

// --- Single market ---

func TestPrice_Flat(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})

	if r := solve(t, s, account(10_000_000), 1, 0, false); r.Liquidatable() {
		t.Errorf("expected no price without a position, got %s", r)
	}
	// Closing the whole position leaves nothing to liquidate.
	if r := solve(t, s, account(10_000_000, longAt(1)), 1, -oneBase, false); r.Liquidatable() {
		t.Errorf("expected no price after a full close, got %s", r)
	}
}

func TestPrice_Long(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})
	acct := account(10_000_000, longAt(1))

	maintenance := solve(t, s, acct, 1, 0, false)
	expectPrice(t, maintenance, 410_389_430_000)

	partial := solve(t, s, acct, 1, 0, true)
	expectPrice(t, partial, 415_861_270_000)

	mp, _ := maintenance.Price()
	pp, _ := partial.Price()
	if !pp.GreaterThan(mp) || !pp.LessThan(markAtStart) {
		t.Errorf("expected maintenance %s < partial %s < mark %s", mp, pp, markAtStart)
	}
}

func TestPrice_Short(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})
	acct := account(10_000_000, shortAt(1))

	maintenance := solve(t, s, acct, 1, 0, false)
	expectPrice(t, maintenance, 561_780_910_000)

	partial := solve(t, s, acct, 1, 0, true)
	expectPrice(t, partial, 555_171_710_000)

	mp, _ := maintenance.Price()
	pp, _ := partial.Price()
	if !pp.LessThan(mp) || !pp.GreaterThan(markAtStart) {
		t.Errorf("expected mark %s < partial %s < maintenance %s", markAtStart, pp, mp)
	}
}

func TestPrice_ProposedTrade(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})

	// Opening the position prices from the mark after the trade.
	r := solve(t, s, account(10_000_000), 1, oneBase, false)
	expectPrice(t, r, 410_391_389_485)
}

func TestPrice_MoreCollateralMovesPriceAway(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})

	tests := []struct {
		collateral int64
		want       int64
	}{
		{5_000_000, 463_021_000_000},
		{10_000_000, 410_389_430_000},
		{20_000_000, 305_126_270_000},
	}
	for _, tt := range tests {
		r := solve(t, s, account(tt.collateral, longAt(1)), 1, 0, false)
		expectPrice(t, r, tt.want)
	}
}

func TestPrice_OverCollateralized(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})

	if r := solve(t, s, account(1_000_000_000, longAt(1)), 1, 0, false); r.Liquidatable() {
		t.Errorf("expected long not liquidatable, got %s", r)
	}
	if r := solve(t, s, account(1_000_000_000, shortAt(1)), 1, 0, false); r.Liquidatable() {
		t.Errorf("expected short not liquidatable, got %s", r)
	}
}

func TestPrice_AlreadyUnderwater(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})

	// Below maintenance right now: the price sits above the mark for a long.
	r := solve(t, s, account(2_000_000, longAt(1)), 1, 0, false)
	expectPrice(t, r, 494_599_940_000)
	if p, _ := r.Price(); !p.GreaterThan(markAtStart) {
		t.Errorf("expected price above mark %s, got %s", markAtStart, p)
	}
}

func TestPrice_FullMarginLong(t *testing.T) {
	m := testMarket(1)
	m.MarginRatioInitial = fixed.NewRatio(10_000)
	m.MarginRatioPartial = fixed.NewRatio(10_000)
	m.MarginRatioMaintenance = fixed.NewRatio(10_000)
	s := NewSolver(model.MarketSet{1: m})

	r := solve(t, s, account(10_000_000, longAt(1)), 1, 0, false)
	expectPrice(t, r, 489_870_000_000)
}

// --- Multiple markets ---

func TestPrice_OtherPositionsConsumeCollateral(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1), 2: testMarket(2)})

	r := solve(t, s, account(10_000_000, longAt(1), shortAt(2)), 1, 0, false)
	expectPrice(t, r, 436_172_100_000)

	alone, _ := solve(t, s, account(10_000_000, longAt(1)), 1, 0, false).Price()
	if p, _ := r.Price(); !p.GreaterThan(alone) {
		t.Errorf("expected a second position to raise the long's price above %s, got %s", alone, p)
	}
}

func TestPrice_UnknownMarket(t *testing.T) {
	s := NewSolver(model.MarketSet{1: testMarket(1)})
	_, err := s.Price(account(10_000_000), 7, fixed.NewBase(oneBase), false)
	if !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestPrice_FlatStillChecksMarket(t *testing.T) {
	broken := testMarket(2)
	broken.BaseAssetReserve = fixed.Reserve{}
	s := NewSolver(model.MarketSet{1: testMarket(1), 2: broken})

	if _, err := s.Price(account(10_000_000), 99, fixed.Base{}, false); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("absent market: expected ErrMarketNotFound, got %v", err)
	}
	if _, err := s.Price(account(10_000_000), 2, fixed.Base{}, false); !errors.Is(err, model.ErrInvalidMarketState) {
		t.Errorf("zero reserve: expected ErrInvalidMarketState, got %v", err)
	}
}

// --- Result encoding ---

func TestResult_JSON(t *testing.T) {
	b, err := json.Marshal(At(fixed.NewPrice(410_389_430_000)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"liquidatable":true,"price":"410389430000"}` {
		t.Errorf("unexpected encoding %s", b)
	}
	b, _ = json.Marshal(NotLiquidatable())
	if string(b) != `{"liquidatable":false,"price":"-1"}` {
		t.Errorf("unexpected encoding %s", b)
	}

	var r Result
	if err := json.Unmarshal([]byte(`{"liquidatable":true,"price":"5"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	expectPrice(t, r, 5)
	if err := json.Unmarshal([]byte(`{"liquidatable":false,"price":"-1"}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Liquidatable() {
		t.Error("expected not liquidatable after decoding the sentinel")
	}
}

func TestResult_Sentinel(t *testing.T) {
	if got := NotLiquidatable().Sentinel(); !got.Equal(fixed.NewInt(-1)) {
		t.Errorf("expected -1, got %s", got)
	}
	if got := At(fixed.NewPrice(42)).Sentinel(); !got.Equal(fixed.NewInt(42)) {
		t.Errorf("expected 42, got %s", got)
	}
	var zero Result
	if zero.Liquidatable() {
		t.Error("zero Result must be not liquidatable")
	}
}
