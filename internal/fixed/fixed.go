// Package fixed implements the integer fixed-point arithmetic used by the
// pricing, margin and liquidation engine.
//
// Every quantity is an integer at a known, compile-time scale. Values are
// backed by shopspring/decimal so intermediate products never truncate, and
// every result is bounded to a 128-bit magnitude (sign carried separately).
// Exceeding the bound is an error, never a wrap.
package fixed

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Precision constants. Names follow the clearing-house conventions.
const (
	MarkPricePrecision      int64 = 10_000_000_000 // 1e10
	QuotePrecision          int64 = 1_000_000      // 1e6
	AMMReservePrecision     int64 = 10_000_000_000_000
	PegPrecision            int64 = 1_000
	TenThousand             int64 = 10_000
	MarginPrecision               = TenThousand
	FundingPaymentPrecision       = TenThousand

	PriceToQuotePrecision                  = MarkPricePrecision / QuotePrecision                 // 1e4
	AMMToQuotePrecisionRatio               = AMMReservePrecision / QuotePrecision                // 1e7
	AMMTimesPegToQuotePrecisionRatio       = AMMReservePrecision * PegPrecision / QuotePrecision // 1e10
	PriceToPegPrecisionRatio               = MarkPricePrecision / PegPrecision                   // 1e7
	MarkPriceTimesAMMToQuotePrecisionRatio = MarkPricePrecision * AMMToQuotePrecisionRatio       // 1e17

	// FundingRatePrecision is the scale of cumulative funding rates: a price
	// difference (MarkPricePrecision) times FundingPaymentPrecision.
	FundingRatePrecision = MarkPricePrecision * FundingPaymentPrecision // 1e14
)

var (
	// ErrOverflow is returned when a result needs more than 128 bits of magnitude.
	ErrOverflow = errors.New("fixed: 128-bit overflow")

	// ErrDivisionByZero is returned for any division with a zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrNotInteger is returned when parsing a value with a fractional part.
	ErrNotInteger = errors.New("fixed: value is not an integer")
)

// maxMagnitude is 2^128 - 1.
var maxMagnitude = decimal.NewFromBigInt(
	new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)), 0,
)

// Int is a signed integer whose magnitude fits in 128 bits.
// The zero value is 0.
type Int struct {
	d decimal.Decimal
}

// NewInt returns v as an Int.
func NewInt(v int64) Int {
	return Int{d: decimal.NewFromInt(v)}
}

// ParseInt parses a base-10 integer string.
func ParseInt(s string) (Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Int{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return fromDecimal(d)
}

// MustParseInt is ParseInt that panics on error. Intended for constants and tests.
func MustParseInt(s string) Int {
	v, err := ParseInt(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FromBig converts a big.Int, enforcing the 128-bit bound.
func FromBig(b *big.Int) (Int, error) {
	return fromDecimal(decimal.NewFromBigInt(b, 0))
}

func fromDecimal(d decimal.Decimal) (Int, error) {
	if !d.Equal(d.Truncate(0)) {
		return Int{}, fmt.Errorf("%w: %s", ErrNotInteger, d.String())
	}
	if d.Abs().GreaterThan(maxMagnitude) {
		return Int{}, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return Int{d: d.Truncate(0)}, nil
}

func (x Int) Sign() int              { return x.d.Sign() }
func (x Int) IsZero() bool           { return x.d.IsZero() }
func (x Int) IsNegative() bool       { return x.d.IsNegative() }
func (x Int) IsPositive() bool       { return x.d.IsPositive() }
func (x Int) Neg() Int               { return Int{d: x.d.Neg()} }
func (x Int) Abs() Int               { return Int{d: x.d.Abs()} }
func (x Int) Cmp(y Int) int          { return x.d.Cmp(y.d) }
func (x Int) Equal(y Int) bool       { return x.d.Equal(y.d) }
func (x Int) LessThan(y Int) bool    { return x.d.LessThan(y.d) }
func (x Int) GreaterThan(y Int) bool { return x.d.GreaterThan(y.d) }

// Decimal exposes the backing decimal, e.g. for metrics or display scaling.
func (x Int) Decimal() decimal.Decimal { return x.d }

// BigInt returns a copy of the value as a big.Int.
func (x Int) BigInt() *big.Int { return x.d.BigInt() }

func (x Int) String() string { return x.d.String() }

// MarshalJSON encodes the integer as a quoted decimal string.
func (x Int) MarshalJSON() ([]byte, error) {
	return []byte(`"` + x.d.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (x *Int) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	v, err := fromDecimal(d)
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// Min returns the smaller of x and y.
func Min(x, y Int) Int {
	if x.LessThan(y) {
		return x
	}
	return y
}

// Max returns the larger of x and y.
func Max(x, y Int) Int {
	if x.GreaterThan(y) {
		return x
	}
	return y
}

// Sqrt returns floor(sqrt(x)) for non-negative x.
func Sqrt(x Int) (Int, error) {
	if x.IsNegative() {
		return Int{}, fmt.Errorf("fixed: sqrt of negative value %s", x)
	}
	return FromBig(new(big.Int).Sqrt(x.BigInt()))
}
