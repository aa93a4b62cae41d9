package limits

import (
	"errors"
	"testing"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

const oneBase = 10_000_000_000_000

func b(units int64) fixed.Base  { return fixed.NewBase(units * oneBase) }
func q(units int64) fixed.Quote { return fixed.NewQuote(units * fixed.QuotePrecision) }

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(b(1000), q(5000))

	if err := limiter.CheckLimit(1, b(100), q(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewPositionLimiter(b(1000), q(5000))

	// Existing long of 950 + new 100 = 1050 > 1000.
	existing := map[uint64]Exposure{1: {Base: b(950), Notional: q(950)}}

	err := limiter.CheckLimit(1, b(100), q(1050), existing)
	if !errors.Is(err, ErrMarketLimitExceeded) {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortSideCountsToo(t *testing.T) {
	limiter := NewPositionLimiter(b(1000), fixed.Quote{})

	existing := map[uint64]Exposure{1: {Base: b(-950)}}
	if err := limiter.CheckLimit(1, b(-100), q(1050), existing); !errors.Is(err, ErrMarketLimitExceeded) {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ReducingIsAllowed(t *testing.T) {
	limiter := NewPositionLimiter(b(1000), q(5000))

	existing := map[uint64]Exposure{1: {Base: b(800), Notional: q(800)}}

	// Selling reduces exposure: 800 - 200 = 600 < 1000.
	if err := limiter.CheckLimit(1, b(-200), q(600), existing); err != nil {
		t.Errorf("sell should reduce exposure, got %v", err)
	}
}

func TestCheckLimit_NotionalExceeded(t *testing.T) {
	limiter := NewPositionLimiter(b(1000), q(2000))

	existing := map[uint64]Exposure{
		1: {Base: b(10), Notional: q(800)},
		2: {Base: b(-10), Notional: q(800)},
		3: {Base: b(5), Notional: q(300)},
	}

	// New position in market 4 worth 200: 200 + 800 + 800 + 300 = 2100 > 2000.
	err := limiter.CheckLimit(4, b(1), q(200), existing)
	if !errors.Is(err, ErrNotionalLimitExceeded) {
		t.Errorf("expected ErrNotionalLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NotionalReplacesTradedMarket(t *testing.T) {
	limiter := NewPositionLimiter(b(1000), q(2000))

	existing := map[uint64]Exposure{
		1: {Base: b(10), Notional: q(1500)},
		2: {Base: b(-10), Notional: q(400)},
	}
	// Market 1 shrinks to 1000: 1000 + 400 = 1400.
	if err := limiter.CheckLimit(1, b(-3), q(1000), existing); err != nil {
		t.Errorf("expected traded market's old notional replaced, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	limiter := NewPositionLimiter(fixed.Base{}, fixed.NewQuote(-1))
	if err := limiter.CheckLimit(1, b(1_000_000), q(1_000_000_000), nil); err != nil {
		t.Errorf("zero limits should be disabled, got %v", err)
	}
}

func TestExposures(t *testing.T) {
	r := fixed.Of[fixed.ReserveScale](fixed.MustParseInt("5000000000000000000"))
	markets := model.MarketSet{1: {
		Index: 1, BaseAssetReserve: r, QuoteAssetReserve: r, SqrtK: r, PegMultiplier: fixed.NewPeg(48_987),
	}}
	acct := model.UserAccount{Positions: []model.UserPosition{
		{MarketIndex: 1, BaseAssetAmount: fixed.NewBase(oneBase)},
		{MarketIndex: 2},
	}}

	got, err := Exposures(acct, markets)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the open position, got %d", len(got))
	}
	if !got[1].Notional.Equal(fixed.NewQuote(48_986_902)) {
		t.Errorf("expected notional 48986902, got %s", got[1].Notional)
	}
}
