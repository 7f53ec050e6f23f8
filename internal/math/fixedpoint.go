// internal/math/fixedpoint.go
package math

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DecimalPrecision is the number of fractional digits carried by an Amount.
const DecimalPrecision = 18

var (
	// Unit is 1.0 in fixed-point (10^18).
	Unit = NewAmount(1_000_000_000_000_000_000)
	// ScaleFactor is the rescale step of the stability pool product (10^9).
	ScaleFactor = NewAmount(1_000_000_000)
	// NICRPrecision scales nominal collateral ratios (10^20).
	NICRPrecision = mustRaw("100000000000000000000")

	one       = NewAmount(1)
	maxAmount = Amount{v: *new(uint256.Int).SetAllOne()}
)

// Amount is an unsigned 256-bit fixed-point quantity scaled by Unit.
// Raw integer values are used directly for products such as P and S.
type Amount struct {
	v uint256.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// One returns the smallest representable non-zero amount (1 raw unit).
func One() Amount { return one }

// Max returns the largest representable amount.
func Max() Amount { return maxAmount }

// NewAmount builds an Amount from a raw integer.
func NewAmount(raw uint64) Amount {
	var a Amount
	a.v.SetUint64(raw)
	return a
}

// Units builds an Amount of n whole units (n * 10^18).
func Units(n uint64) Amount {
	return NewAmount(n).Mul(Unit)
}

// ParseRaw parses a base-10 raw integer string.
func ParseRaw(s string) (Amount, error) {
	var a Amount
	if err := a.v.SetFromDecimal(s); err != nil {
		return Amount{}, fmt.Errorf("math: parse raw %q: %w", s, err)
	}
	return a, nil
}

func mustRaw(s string) Amount {
	a, err := ParseRaw(s)
	if err != nil {
		panic(err)
	}
	return a
}

// ParseAmount parses a human decimal string ("12.5") into fixed-point.
// Digits beyond DecimalPrecision are rejected rather than rounded.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Amount{}, fmt.Errorf("math: parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParseAmount is ParseAmount for constants and tests.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts a decimal value into fixed-point.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("math: negative amount %s", d.String())
	}
	shifted := d.Shift(DecimalPrecision)
	if !shifted.Equal(shifted.Truncate(0)) {
		return Amount{}, fmt.Errorf("math: amount %s exceeds %d decimal places", d.String(), DecimalPrecision)
	}
	return FromBig(shifted.BigInt())
}

// FromBig converts a non-negative big.Int raw value.
func FromBig(b *big.Int) (Amount, error) {
	if b.Sign() < 0 {
		return Amount{}, fmt.Errorf("math: negative raw value %s", b.String())
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, fmt.Errorf("math: raw value %s overflows 256 bits", b.String())
	}
	return Amount{v: *v}, nil
}

// Big returns the raw value as a new big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// Decimal returns the amount as a decimal in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -DecimalPrecision)
}

// String formats the amount in whole units.
func (a Amount) String() string { return a.Decimal().String() }

// Raw formats the underlying integer.
func (a Amount) Raw() string { return a.v.Dec() }

func (a Amount) IsZero() bool      { return a.v.IsZero() }
func (a Amount) Cmp(b Amount) int  { return a.v.Cmp(&b.v) }
func (a Amount) Eq(b Amount) bool  { return a.v.Eq(&b.v) }
func (a Amount) Lt(b Amount) bool  { return a.v.Lt(&b.v) }
func (a Amount) Gt(b Amount) bool  { return a.v.Gt(&b.v) }
func (a Amount) Lte(b Amount) bool { return !a.v.Gt(&b.v) }
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }
func (a Amount) Uint64() uint64    { return a.v.Uint64() }
func (a Amount) IsUint64() bool    { return a.v.IsUint64() }
func (a Amount) Bytes32() [32]byte { return a.v.Bytes32() }

// Add panics on overflow.
func (a Amount) Add(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		panic(fmt.Sprintf("math: add overflow %s + %s", a.Raw(), b.Raw()))
	}
	return z
}

// Sub panics on underflow. Callers compare first.
func (a Amount) Sub(b Amount) Amount {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		panic(fmt.Sprintf("math: sub underflow %s - %s", a.Raw(), b.Raw()))
	}
	return z
}

// SaturatingSub returns a - b, or zero when b > a.
func (a Amount) SaturatingSub(b Amount) Amount {
	if a.Lte(b) {
		return Zero()
	}
	return a.Sub(b)
}

// Mul multiplies raw values. Panics on overflow.
func (a Amount) Mul(b Amount) Amount {
	var z Amount
	if _, overflow := z.v.MulOverflow(&a.v, &b.v); overflow {
		panic(fmt.Sprintf("math: mul overflow %s * %s", a.Raw(), b.Raw()))
	}
	return z
}

// Div divides raw values, truncating. Panics on division by zero.
func (a Amount) Div(b Amount) Amount {
	if b.IsZero() {
		panic("math: division by zero")
	}
	var z Amount
	z.v.Div(&a.v, &b.v)
	return z
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// MulDiv computes a * b / d with a 512-bit intermediate, truncating.
func MulDiv(a, b, d Amount) Amount {
	if d.IsZero() {
		panic("math: division by zero")
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&a.v, &b.v, &d.v); overflow {
		panic(fmt.Sprintf("math: muldiv overflow %s * %s / %s", a.Raw(), b.Raw(), d.Raw()))
	}
	return z
}

// DivWithRemainder returns the truncated quotient and the remainder of n / d.
func DivWithRemainder(n, d Amount) (q, r Amount) {
	if d.IsZero() {
		panic("math: division by zero")
	}
	q.v.DivMod(&n.v, &d.v, &r.v)
	return q, r
}

// MulUnit returns a * 10^18 without further scaling, used to build numerators.
func (a Amount) MulUnit() Amount { return a.Mul(Unit) }

// ICR is the individual collateral ratio coll * price / debt, scaled by Unit.
// A zero debt yields Max.
func ICR(coll, debt, price Amount) Amount {
	if debt.IsZero() {
		return Max()
	}
	return MulDiv(coll, price, debt)
}

// NICR is the price-independent collateral ratio coll * 10^20 / debt.
func NICR(coll, debt Amount) Amount {
	if debt.IsZero() {
		return Max()
	}
	return MulDiv(coll, NICRPrecision, debt)
}

// MarshalJSON encodes the raw integer as a string to stay exact.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.v.Dec() + `"`), nil
}

// UnmarshalJSON accepts the raw integer string written by MarshalJSON.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*a = Amount{}
		return nil
	}
	parsed, err := ParseRaw(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
