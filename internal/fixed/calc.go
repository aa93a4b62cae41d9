package fixed

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Calc chains checked integer operations. The first failure is recorded and
// every later operation returns zero, so a formula can be written in one pass
// and checked once:
//
//	var c fixed.Calc
//	v := c.Quo(c.Mul(a, b), d)
//	if err := c.Err(); err != nil { ... }
type Calc struct {
	err error
}

// Err returns the first error encountered, if any.
func (c *Calc) Err() error { return c.err }

// Fail records err unless an earlier error is already recorded.
func (c *Calc) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

func (c *Calc) bound(d decimal.Decimal, op string) Int {
	if d.Abs().GreaterThan(maxMagnitude) {
		c.Fail(fmt.Errorf("%w in %s", ErrOverflow, op))
		return Int{}
	}
	return Int{d: d}
}

func (c *Calc) Add(x, y Int) Int {
	if c.err != nil {
		return Int{}
	}
	return c.bound(x.d.Add(y.d), "add")
}

func (c *Calc) Sub(x, y Int) Int {
	if c.err != nil {
		return Int{}
	}
	return c.bound(x.d.Sub(y.d), "sub")
}

func (c *Calc) Mul(x, y Int) Int {
	if c.err != nil {
		return Int{}
	}
	return c.bound(x.d.Mul(y.d), "mul")
}

// Quo divides and truncates toward zero.
func (c *Calc) Quo(x, y Int) Int {
	if c.err != nil {
		return Int{}
	}
	if y.IsZero() {
		c.Fail(ErrDivisionByZero)
		return Int{}
	}
	q, _ := x.d.QuoRem(y.d, 0)
	return c.bound(q, "quo")
}

// MulDiv computes x*y/z with the product held at full width.
func (c *Calc) MulDiv(x, y, z Int) Int {
	return c.Quo(c.Mul(x, y), z)
}

// MulInt64 and QuoInt64 are shorthands for scaling by a precision constant.
func (c *Calc) MulInt64(x Int, y int64) Int { return c.Mul(x, NewInt(y)) }
func (c *Calc) QuoInt64(x Int, y int64) Int { return c.Quo(x, NewInt(y)) }
