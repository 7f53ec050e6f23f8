// internal/math/strategy.go
package math

import (
	"github.com/shopspring/decimal"
)

// DivisionStrategy computes a reward-per-unit-staked increment. The
// redistribution accumulator uses CorrectedDivision; the others exist to
// calibrate its error against plain truncation and decimal arithmetic.
type DivisionStrategy interface {
	Name() string
	PerUnit(amount, total Amount) Amount
}

// CorrectedDivision carries each remainder into the next numerator.
type CorrectedDivision struct {
	carry RemainderCarry
}

func (s *CorrectedDivision) Name() string { return "uint256-carry" }

func (s *CorrectedDivision) PerUnit(amount, total Amount) Amount {
	q, next := s.carry.PerUnit(amount, total)
	s.carry = next
	return q
}

// TruncatedDivision drops the remainder of every division.
type TruncatedDivision struct{}

func (TruncatedDivision) Name() string { return "uint256-truncate" }

func (TruncatedDivision) PerUnit(amount, total Amount) Amount {
	return MulDiv(amount, Unit, total)
}

// DecimalDivision divides with shopspring/decimal, truncating the quotient
// to Precision fractional digits. The fractional part below the fixed-point
// grid is carried as a decimal into the next call.
type DecimalDivision struct {
	Precision int32
	frac      decimal.Decimal
}

func (s *DecimalDivision) Name() string { return "decimal" }

func (s *DecimalDivision) PerUnit(amount, total Amount) Amount {
	num := decimal.NewFromBigInt(amount.Big(), DecimalPrecision)
	den := decimal.NewFromBigInt(total.Big(), 0)
	q, _ := num.QuoRem(den, s.Precision)
	exact := q.Add(s.frac)
	whole := exact.Truncate(0)
	s.frac = exact.Sub(whole)
	out, err := FromBig(whole.BigInt())
	if err != nil {
		panic(err)
	}
	return out
}

// Residual reports how much of a distributed amount failed to reach stakers.
type Residual struct {
	Strategy    string
	Stakers     int
	Events      int
	Distributed Amount
	Claimed     Amount
}

// Error is the undistributed dust (Distributed - Claimed), or the
// over-distribution when Claimed exceeds Distributed.
func (r Residual) Error() Amount {
	if r.Claimed.Gt(r.Distributed) {
		return r.Claimed.Sub(r.Distributed)
	}
	return r.Distributed.Sub(r.Claimed)
}

// OverDistributed reports whether stakers would claim more than was distributed.
func (r Residual) OverDistributed() bool { return r.Claimed.Gt(r.Distributed) }

// SimulateRedistribution runs a sequence of redistributions over a fixed stake
// set and measures what the stakers could claim at the end.
func SimulateRedistribution(s DivisionStrategy, stakes []Amount, amounts []Amount) Residual {
	total := Zero()
	for _, st := range stakes {
		total = total.Add(st)
	}

	res := Residual{Strategy: s.Name(), Stakers: len(stakes), Events: len(amounts)}
	if total.IsZero() {
		return res
	}

	acc := Zero()
	for _, a := range amounts {
		acc = acc.Add(s.PerUnit(a, total))
		res.Distributed = res.Distributed.Add(a)
	}
	for _, st := range stakes {
		res.Claimed = res.Claimed.Add(MulDiv(st, acc, Unit))
	}
	return res
}
