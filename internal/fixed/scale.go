package fixed

import "fmt"

// Scale tags an Amount with the precision of its semantic domain.
type Scale interface {
	Precision() int64
	Name() string
}

type (
	PriceScale       struct{}
	ReserveScale     struct{}
	BaseScale        struct{}
	QuoteScale       struct{}
	PegScale         struct{}
	RatioScale       struct{}
	FundingRateScale struct{}
)

func (PriceScale) Precision() int64       { return MarkPricePrecision }
func (ReserveScale) Precision() int64     { return AMMReservePrecision }
func (BaseScale) Precision() int64        { return AMMReservePrecision }
func (QuoteScale) Precision() int64       { return QuotePrecision }
func (PegScale) Precision() int64         { return PegPrecision }
func (RatioScale) Precision() int64       { return MarginPrecision }
func (FundingRateScale) Precision() int64 { return FundingRatePrecision }

func (PriceScale) Name() string       { return "price" }
func (ReserveScale) Name() string     { return "reserve" }
func (BaseScale) Name() string        { return "base" }
func (QuoteScale) Name() string       { return "quote" }
func (PegScale) Name() string         { return "peg" }
func (RatioScale) Name() string       { return "ratio" }
func (FundingRateScale) Name() string { return "funding_rate" }

// Amount is an Int at the scale S. Amounts of different scales do not mix
// without an explicit conversion, which keeps each multiplication site
// honest about the precision it produces.
type Amount[S Scale] struct {
	v Int
}

type (
	Price       = Amount[PriceScale]       // mark/oracle price, MarkPricePrecision
	Reserve     = Amount[ReserveScale]     // AMM reserve, AMMReservePrecision
	Base        = Amount[BaseScale]        // signed base asset amount, AMMReservePrecision
	Quote       = Amount[QuoteScale]       // collateral and notional, QuotePrecision
	Peg         = Amount[PegScale]         // peg multiplier, PegPrecision
	Ratio       = Amount[RatioScale]       // margin ratio, MarginPrecision
	FundingRate = Amount[FundingRateScale] // cumulative funding rate, FundingRatePrecision
)

// Of tags a raw Int with scale S.
func Of[S Scale](v Int) Amount[S] { return Amount[S]{v: v} }

func NewPrice(v int64) Price             { return Price{v: NewInt(v)} }
func NewReserve(v int64) Reserve         { return Reserve{v: NewInt(v)} }
func NewBase(v int64) Base               { return Base{v: NewInt(v)} }
func NewQuote(v int64) Quote             { return Quote{v: NewInt(v)} }
func NewPeg(v int64) Peg                 { return Peg{v: NewInt(v)} }
func NewRatio(v int64) Ratio             { return Ratio{v: NewInt(v)} }
func NewFundingRate(v int64) FundingRate { return FundingRate{v: NewInt(v)} }

// Int returns the raw integer.
func (a Amount[S]) Int() Int { return a.v }

// Precision returns the scale factor of S.
func (a Amount[S]) Precision() int64 {
	var s S
	return s.Precision()
}

func (a Amount[S]) Sign() int                    { return a.v.Sign() }
func (a Amount[S]) IsZero() bool                 { return a.v.IsZero() }
func (a Amount[S]) IsNegative() bool             { return a.v.IsNegative() }
func (a Amount[S]) IsPositive() bool             { return a.v.IsPositive() }
func (a Amount[S]) Neg() Amount[S]               { return Amount[S]{v: a.v.Neg()} }
func (a Amount[S]) Abs() Amount[S]               { return Amount[S]{v: a.v.Abs()} }
func (a Amount[S]) Cmp(b Amount[S]) int          { return a.v.Cmp(b.v) }
func (a Amount[S]) Equal(b Amount[S]) bool       { return a.v.Equal(b.v) }
func (a Amount[S]) LessThan(b Amount[S]) bool    { return a.v.LessThan(b.v) }
func (a Amount[S]) GreaterThan(b Amount[S]) bool { return a.v.GreaterThan(b.v) }
func (a Amount[S]) String() string               { return a.v.String() }

// Float64 returns the value in whole units. Display and metrics only.
func (a Amount[S]) Float64() float64 {
	f, _ := a.v.d.Shift(-int32(digits(a.Precision()))).Float64()
	return f
}

func (a Amount[S]) MarshalJSON() ([]byte, error) { return a.v.MarshalJSON() }

func (a *Amount[S]) UnmarshalJSON(data []byte) error { return a.v.UnmarshalJSON(data) }

// Parse parses a raw integer string at scale S.
func Parse[S Scale](s string) (Amount[S], error) {
	v, err := ParseInt(s)
	if err != nil {
		var sc S
		return Amount[S]{}, fmt.Errorf("%s: %w", sc.Name(), err)
	}
	return Amount[S]{v: v}, nil
}

// digits returns log10 of a power-of-ten precision.
func digits(p int64) int {
	n := 0
	for p >= 10 {
		p /= 10
		n++
	}
	return n
}
