package math_test

import (
	"fmt"
	"testing"

	fpmath "TroveLedger/internal/math"

	"github.com/stretchr/testify/assert"
)

func stakeSet(n int) []fpmath.Amount {
	stakes := make([]fpmath.Amount, n)
	for i := range stakes {
		stakes[i] = fpmath.Units(uint64(i%7 + 1)).Add(fpmath.NewAmount(uint64(i*104729 + 1)))
	}
	return stakes
}

func liquidationSeq(n int) []fpmath.Amount {
	amounts := make([]fpmath.Amount, n)
	for i := range amounts {
		amounts[i] = fpmath.Units(1).Add(fpmath.NewAmount(uint64(i*7919 + 3)))
	}
	return amounts
}

func sumUnits(stakes []fpmath.Amount) uint64 {
	total := fpmath.Zero()
	for _, s := range stakes {
		total = total.Add(s)
	}
	return total.Div(fpmath.Unit).Uint64() + 1
}

// ===== Test: error accumulation across increasing staker counts =====

func TestSimulateRedistribution_CorrectedErrorIsBounded(t *testing.T) {
	for _, n := range []int{10, 100, 1000} {
		t.Run(fmt.Sprintf("stakers=%d", n), func(t *testing.T) {
			stakes := stakeSet(n)
			amounts := liquidationSeq(500)

			corrected := fpmath.SimulateRedistribution(&fpmath.CorrectedDivision{}, stakes, amounts)
			truncated := fpmath.SimulateRedistribution(fpmath.TruncatedDivision{}, stakes, amounts)
			dec := fpmath.SimulateRedistribution(&fpmath.DecimalDivision{Precision: 9}, stakes, amounts)

			assert.False(t, corrected.OverDistributed())
			assert.False(t, truncated.OverDistributed())
			assert.False(t, dec.OverDistributed())

			// One division's worth of error plus one raw unit per staker,
			// independent of the number of events.
			bound := fpmath.NewAmount(sumUnits(stakes) + uint64(n))
			assert.True(t, corrected.Error().Lte(bound),
				"corrected error %s exceeds bound %s", corrected.Error().Raw(), bound.Raw())
			assert.True(t, corrected.Error().Lte(truncated.Error()),
				"corrected %s > truncated %s", corrected.Error().Raw(), truncated.Error().Raw())
		})
	}
}

func TestSimulateRedistribution_EmptyStakes(t *testing.T) {
	res := fpmath.SimulateRedistribution(fpmath.TruncatedDivision{}, nil, liquidationSeq(3))
	assert.True(t, res.Distributed.IsZero())
	assert.True(t, res.Claimed.IsZero())
}

func TestDecimalDivision_MatchesTruncationAtZeroPrecision(t *testing.T) {
	a := fpmath.Units(1)
	total := fpmath.Units(3)
	assert.True(t, (&fpmath.DecimalDivision{}).PerUnit(a, total).Eq(fpmath.TruncatedDivision{}.PerUnit(a, total)))
}

func BenchmarkCorrectedDivision(b *testing.B) {
	stakes := stakeSet(1000)
	amounts := liquidationSeq(100)
	for i := 0; i < b.N; i++ {
		fpmath.SimulateRedistribution(&fpmath.CorrectedDivision{}, stakes, amounts)
	}
}

func BenchmarkDecimalDivision(b *testing.B) {
	stakes := stakeSet(1000)
	amounts := liquidationSeq(100)
	for i := 0; i < b.N; i++ {
		fpmath.SimulateRedistribution(&fpmath.DecimalDivision{Precision: 9}, stakes, amounts)
	}
}
