package fixed

import (
	"encoding/json"
	"errors"
	"testing"
)

// n is a test helper for creating Ints from decimal strings.
func n(s string) Int {
	return MustParseInt(s)
}

func TestDerivedPrecisions(t *testing.T) {
	tests := []struct {
		name string
		got  int64
		want int64
	}{
		{"price to quote", PriceToQuotePrecision, 10_000},
		{"amm to quote", AMMToQuotePrecisionRatio, 10_000_000},
		{"amm times peg to quote", AMMTimesPegToQuotePrecisionRatio, 10_000_000_000},
		{"price to peg", PriceToPegPrecisionRatio, 10_000_000},
		{"mark price times amm to quote", MarkPriceTimesAMMToQuotePrecisionRatio, 100_000_000_000_000_000},
		{"funding rate", FundingRatePrecision, 100_000_000_000_000},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, tt.got)
		}
	}
}

func TestParseInt_RejectsFraction(t *testing.T) {
	_, err := ParseInt("1.5")
	if !errors.Is(err, ErrNotInteger) {
		t.Errorf("expected ErrNotInteger, got %v", err)
	}
}

func TestParseInt_RejectsGarbage(t *testing.T) {
	if _, err := ParseInt("abc"); err == nil {
		t.Error("expected parse error")
	}
}

func TestParseInt_Bound(t *testing.T) {
	// 2^128 - 1 is the largest accepted magnitude.
	if _, err := ParseInt("340282366920938463463374607431768211455"); err != nil {
		t.Fatalf("unexpected error at bound: %v", err)
	}
	if _, err := ParseInt("-340282366920938463463374607431768211455"); err != nil {
		t.Fatalf("unexpected error at negative bound: %v", err)
	}
	_, err := ParseInt("340282366920938463463374607431768211456")
	if !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow above bound, got %v", err)
	}
}

func TestCalc_QuoTruncatesTowardZero(t *testing.T) {
	tests := []struct {
		x, y, want string
	}{
		{"7", "2", "3"},
		{"-7", "2", "-3"},
		{"7", "-2", "-3"},
		{"-7", "-2", "3"},
		{"1", "3", "0"},
		{"-1", "3", "0"},
	}
	for _, tt := range tests {
		var c Calc
		got := c.Quo(n(tt.x), n(tt.y))
		if err := c.Err(); err != nil {
			t.Fatalf("%s/%s: unexpected error: %v", tt.x, tt.y, err)
		}
		if !got.Equal(n(tt.want)) {
			t.Errorf("%s/%s: expected %s, got %s", tt.x, tt.y, tt.want, got)
		}
	}
}

func TestCalc_DivisionByZero(t *testing.T) {
	var c Calc
	c.Quo(NewInt(1), Int{})
	if !errors.Is(c.Err(), ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", c.Err())
	}
}

func TestCalc_OverflowIsSticky(t *testing.T) {
	var c Calc
	big := n("340282366920938463463374607431768211455")
	c.Mul(big, NewInt(2))
	if !errors.Is(c.Err(), ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", c.Err())
	}
	// Later operations must not clear or replace the first error.
	got := c.Add(NewInt(1), NewInt(1))
	if !got.IsZero() {
		t.Errorf("expected zero after failure, got %s", got)
	}
	c.Quo(NewInt(1), Int{})
	if !errors.Is(c.Err(), ErrOverflow) {
		t.Errorf("expected first error to be kept, got %v", c.Err())
	}
}

func TestCalc_MulDivKeepsFullWidth(t *testing.T) {
	// 1e20 * 1e15 exceeds int64 but not the 128-bit bound.
	var c Calc
	got := c.MulDiv(n("100000000000000000000"), n("1000000000000000"), n("1000000000000000000000"))
	if err := c.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(n("100000000000000")) {
		t.Errorf("expected 1e14, got %s", got)
	}
}

func TestSqrt(t *testing.T) {
	got, err := Sqrt(NewInt(MarkPricePrecision))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(NewInt(100_000)) {
		t.Errorf("expected 100000, got %s", got)
	}

	got, _ = Sqrt(NewInt(99))
	if !got.Equal(NewInt(9)) {
		t.Errorf("expected floor sqrt 9, got %s", got)
	}

	if _, err := Sqrt(NewInt(-4)); err == nil {
		t.Error("expected error for negative input")
	}
}

func TestInt_JSON(t *testing.T) {
	v := n("-5000000000000000000")
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"-5000000000000000000"` {
		t.Errorf("expected quoted integer, got %s", data)
	}

	var bare Int
	if err := json.Unmarshal([]byte(`42`), &bare); err != nil {
		t.Fatalf("unmarshal bare number: %v", err)
	}
	if !bare.Equal(NewInt(42)) {
		t.Errorf("expected 42, got %s", bare)
	}

	var frac Int
	if err := json.Unmarshal([]byte(`"1.25"`), &frac); !errors.Is(err, ErrNotInteger) {
		t.Errorf("expected ErrNotInteger, got %v", err)
	}
}

func TestAmount_ScaleAndParse(t *testing.T) {
	p := NewPrice(489_870_000_000)
	if p.Precision() != MarkPricePrecision {
		t.Errorf("expected price precision %d, got %d", MarkPricePrecision, p.Precision())
	}
	if p.Float64() != 48.987 {
		t.Errorf("expected 48.987, got %v", p.Float64())
	}

	q, err := Parse[QuoteScale]("10000000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Float64() != 10 {
		t.Errorf("expected 10 quote units, got %v", q.Float64())
	}

	if _, err := Parse[BaseScale]("x"); err == nil {
		t.Error("expected parse error")
	}
}

func TestMinMax(t *testing.T) {
	a, b := NewInt(-3), NewInt(5)
	if !Min(a, b).Equal(a) || !Max(a, b).Equal(b) {
		t.Errorf("min/max wrong for %s, %s", a, b)
	}
}
