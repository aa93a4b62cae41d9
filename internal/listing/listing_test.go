package listing

import (
	"errors"
	"testing"
	"time"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/margin"
)

var listedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseName_Valid(t *testing.T) {
	for name, want := range map[string]string{"LUNA-PERP": "LUNA", "BTC-PERP": "BTC", "1INCH-PERP": "1INCH"} {
		got, err := ParseName(name)
		if err != nil {
			t.Errorf("unexpected error for %s: %v", name, err)
			continue
		}
		if got != want {
			t.Errorf("expected symbol %s, got %s", want, got)
		}
	}
}

func TestParseName_Invalid(t *testing.T) {
	tests := []string{
		"",
		"LUNA",
		"LUNA-PERP-2",
		"luna-PERP",     // lower case
		"L-PERP",        // too short
		"LUNA-FUT",      // wrong suffix
		"VERYLONGNAME-PERP",
	}
	for _, name := range tests {
		if _, err := ParseName(name); !errors.Is(err, ErrInvalidName) {
			t.Errorf("expected ErrInvalidName for %q, got %v", name, err)
		}
	}
}

func TestDefaultReserve(t *testing.T) {
	want := fixed.Of[fixed.ReserveScale](fixed.MustParseInt("5000000000000000000"))
	if got := DefaultReserve(); !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestPegFromPrice(t *testing.T) {
	peg, err := PegFromPrice(fixed.NewPrice(489_870_000_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !peg.Equal(fixed.NewPeg(48_987)) {
		t.Errorf("expected 48987, got %s", peg)
	}
	// Precision below a peg unit is dropped.
	peg, _ = PegFromPrice(fixed.NewPrice(489_879_999_999))
	if !peg.Equal(fixed.NewPeg(48_987)) {
		t.Errorf("expected truncation to 48987, got %s", peg)
	}
	if _, err := PegFromPrice(fixed.NewPrice(9_999_999)); !errors.Is(err, ErrInvalidInitialMark) {
		t.Errorf("expected ErrInvalidInitialMark, got %v", err)
	}
}

func TestNewMarket_Defaults(t *testing.T) {
	m, err := NewMarket(Params{Index: 1, Name: "LUNA-PERP", InitialPrice: fixed.NewPrice(489_870_000_000)}, listedAt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.BaseAssetReserve.Equal(m.QuoteAssetReserve) || !m.SqrtK.Equal(m.BaseAssetReserve) {
		t.Error("expected balanced reserves with sqrt k equal to the reserve")
	}
	if !m.LastMarkPriceTwap.Equal(fixed.NewPrice(489_870_000_000)) {
		t.Errorf("expected mark twap at the initial mark, got %s", m.LastMarkPriceTwap)
	}
	if !m.MarginRatioInitial.Equal(fixed.NewRatio(2000)) || !m.MarginRatioMaintenance.Equal(fixed.NewRatio(500)) {
		t.Error("expected default margin ratios")
	}
	if m.FundingPeriod != DefaultFundingPeriod {
		t.Errorf("expected default funding period, got %d", m.FundingPeriod)
	}
	if m.LastFundingRateTs != listedAt.Unix() {
		t.Errorf("expected funding clock at listing time, got %d", m.LastFundingRateTs)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("listed market does not validate: %v", err)
	}
}

func TestNewMarket_InvalidRatios(t *testing.T) {
	_, err := NewMarket(Params{
		Index:                  1,
		Name:                   "LUNA-PERP",
		InitialPrice:           fixed.NewPrice(489_870_000_000),
		MarginRatioInitial:     500,
		MarginRatioPartial:     625,
		MarginRatioMaintenance: 500,
	}, listedAt)
	if !errors.Is(err, margin.ErrInvalidMarginRatio) {
		t.Errorf("expected ErrInvalidMarginRatio, got %v", err)
	}
}

func TestNewMarket_Rejections(t *testing.T) {
	price := fixed.NewPrice(489_870_000_000)
	tests := []struct {
		name string
		p    Params
		want error
	}{
		{"bad name", Params{Name: "LUNA", InitialPrice: price}, ErrInvalidName},
		{"no price", Params{Name: "LUNA-PERP"}, ErrInvalidInitialMark},
		{"negative reserve", Params{Name: "LUNA-PERP", InitialPrice: price, BaseAssetReserve: fixed.NewReserve(-1)}, ErrInvalidReserve},
		{"negative period", Params{Name: "LUNA-PERP", InitialPrice: price, FundingPeriod: -1}, ErrInvalidPeriod},
		{"reserve too deep", Params{
			Name:             "LUNA-PERP",
			InitialPrice:     price,
			BaseAssetReserve: fixed.Of[fixed.ReserveScale](fixed.MustParseInt("100000000000000000000")),
		}, fixed.ErrOverflow},
	}
	for _, tt := range tests {
		if _, err := NewMarket(tt.p, listedAt); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}
