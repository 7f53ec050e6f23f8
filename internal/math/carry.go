// internal/math/carry.go
package math

// RemainderCarry holds the truncation error of the previous per-unit division.
// Feeding it into the next numerator keeps the cumulative error bounded by a
// single division instead of growing with the number of distributions.
//
// Carries are values: PerUnit returns the next carry and leaves the receiver
// untouched, so callers can plan a distribution before committing it.
type RemainderCarry struct {
	Remainder Amount `json:"remainder"`
}

// PerUnit returns floor((amount*Unit + carry) / total) and the next carry.
func (c RemainderCarry) PerUnit(amount, total Amount) (Amount, RemainderCarry) {
	numerator := amount.MulUnit().Add(c.Remainder)
	q, r := DivWithRemainder(numerator, total)
	return q, RemainderCarry{Remainder: r}
}

// PerUnitRoundUp returns ceil((amount*Unit - carry) / total). The amount
// over-charged by rounding up becomes the next carry and is subtracted from
// the following numerator.
func (c RemainderCarry) PerUnitRoundUp(amount, total Amount) (Amount, RemainderCarry) {
	scaled := amount.MulUnit()
	if scaled.Lte(c.Remainder) {
		return Zero(), RemainderCarry{Remainder: c.Remainder.Sub(scaled)}
	}
	numerator := scaled.Sub(c.Remainder)
	q, r := DivWithRemainder(numerator, total)
	if r.IsZero() {
		return q, RemainderCarry{}
	}
	q = q.Add(one)
	return q, RemainderCarry{Remainder: q.Mul(total).Sub(numerator)}
}
