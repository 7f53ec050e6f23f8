package math_test

import (
	"encoding/json"
	"testing"

	fpmath "TroveLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Amount parsing and formatting
// ============================================================================

func TestParseAmount_Fractional(t *testing.T) {
	a, err := fpmath.ParseAmount("66.666666666666666667")
	require.NoError(t, err)
	assert.Equal(t, "66666666666666666667", a.Raw())
	assert.Equal(t, "66.666666666666666667", a.String())
}

func TestParseAmount_RejectsExcessPrecision(t *testing.T) {
	_, err := fpmath.ParseAmount("0.0000000000000000001")
	require.Error(t, err)
}

func TestParseAmount_RejectsNegative(t *testing.T) {
	_, err := fpmath.ParseAmount("-1")
	require.Error(t, err)
}

func TestUnits(t *testing.T) {
	assert.Equal(t, "100000000000000000000", fpmath.Units(100).Raw())
	assert.True(t, fpmath.Units(1).Eq(fpmath.Unit))
}

func TestAmount_JSONIsExact(t *testing.T) {
	in := fpmath.MustParseAmount("123456789.123456789123456789")
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Equal(t, `"123456789123456789123456789"`, string(data))

	var out fpmath.Amount
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.Eq(out))
}

// ============================================================================
// Test: Arithmetic
// ============================================================================

func TestDivWithRemainder(t *testing.T) {
	q, r := fpmath.DivWithRemainder(fpmath.NewAmount(10), fpmath.NewAmount(3))
	assert.Equal(t, uint64(3), q.Uint64())
	assert.Equal(t, uint64(1), r.Uint64())
}

func TestSub_UnderflowPanics(t *testing.T) {
	assert.Panics(t, func() { fpmath.NewAmount(1).Sub(fpmath.NewAmount(2)) })
}

func TestSaturatingSub(t *testing.T) {
	assert.True(t, fpmath.NewAmount(1).SaturatingSub(fpmath.NewAmount(2)).IsZero())
	assert.Equal(t, uint64(3), fpmath.NewAmount(5).SaturatingSub(fpmath.NewAmount(2)).Uint64())
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 1e40 * 1e40 overflows 256 bits only in the product, not the result.
	big := fpmath.Units(1).Mul(fpmath.Units(10000)) // 1e40
	got := fpmath.MulDiv(big, big, big)
	assert.True(t, got.Eq(big))
}

func TestICRAndNICR(t *testing.T) {
	coll := fpmath.Units(2)
	debt := fpmath.Units(100)
	price := fpmath.Units(200)

	assert.True(t, fpmath.ICR(coll, debt, price).Eq(fpmath.Units(4)))
	assert.True(t, fpmath.NICR(coll, debt).Eq(fpmath.Units(2)))
	assert.True(t, fpmath.ICR(coll, fpmath.Zero(), price).Eq(fpmath.Max()))
}

// ============================================================================
// Test: RemainderCarry
// ============================================================================

func TestRemainderCarry_PerUnitRecoversTruncation(t *testing.T) {
	var carry fpmath.RemainderCarry
	total := fpmath.Units(3)
	sum := fpmath.Zero()

	for i := 0; i < 3; i++ {
		var q fpmath.Amount
		q, carry = carry.PerUnit(fpmath.Units(1), total)
		sum = sum.Add(q)
	}

	// Three thirds add back up to exactly one unit per unit staked.
	assert.True(t, sum.Eq(fpmath.Unit), "sum=%s", sum.Raw())
	assert.True(t, carry.Remainder.IsZero())
}

func TestRemainderCarry_PerUnitLeavesReceiverUntouched(t *testing.T) {
	carry := fpmath.RemainderCarry{Remainder: fpmath.NewAmount(7)}
	_, next := carry.PerUnit(fpmath.Units(1), fpmath.Units(3))
	assert.Equal(t, uint64(7), carry.Remainder.Uint64())
	assert.False(t, next.Remainder.Eq(carry.Remainder))
}

func TestRemainderCarry_RoundUpSettlesOverCharge(t *testing.T) {
	var carry fpmath.RemainderCarry
	total := fpmath.Units(3)

	q1, carry := carry.PerUnitRoundUp(fpmath.Units(1), total)
	assert.Equal(t, "333333333333333334", q1.Raw())
	assert.Equal(t, "2000000000000000000", carry.Remainder.Raw())

	q2, carry := carry.PerUnitRoundUp(fpmath.Units(1), total)
	q3, carry := carry.PerUnitRoundUp(fpmath.Units(1), total)

	sum := q1.Add(q2).Add(q3)
	assert.True(t, sum.Eq(fpmath.Unit), "sum=%s", sum.Raw())
	assert.True(t, carry.Remainder.IsZero())
}

func TestRemainderCarry_RoundUpExactDivision(t *testing.T) {
	var carry fpmath.RemainderCarry
	q, next := carry.PerUnitRoundUp(fpmath.Units(1), fpmath.Units(4))
	assert.Equal(t, "250000000000000000", q.Raw())
	assert.True(t, next.Remainder.IsZero())
}
