// Command precision prints the residual left by each reward division
// strategy over growing staker sets. The carry policy of the redistribution
// accumulator is calibrated against this table.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
)

func main() {
	stakers := flag.String("stakers", "10,100,1000,10000", "comma-separated staker counts")
	events := flag.Int("events", 1000, "liquidations redistributed per run")
	precision := flag.Int("precision", 9, "fractional digits kept by the decimal strategy")
	seed := flag.Uint64("seed", 1, "seed for stake and liquidation sizes")
	flag.Parse()

	logger := observability.NewLogger("precision", observability.LogConfig{})

	counts, err := parseCounts(*stakers)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad -stakers")
	}
	if *events <= 0 {
		logger.Fatal().Int("events", *events).Msg("-events must be positive")
	}

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	amounts := make([]fpmath.Amount, *events)
	for i := range amounts {
		amounts[i] = randomAmount(rng, 1, 50)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "stakers\tstrategy\tdistributed\tclaimed\tresidual (raw)\tover\t")
	for _, n := range counts {
		stakes := make([]fpmath.Amount, n)
		for i := range stakes {
			stakes[i] = randomAmount(rng, 1, 1000)
		}
		strategies := []fpmath.DivisionStrategy{
			&fpmath.CorrectedDivision{},
			fpmath.TruncatedDivision{},
			&fpmath.DecimalDivision{Precision: int32(*precision)},
		}
		for _, s := range strategies {
			r := fpmath.SimulateRedistribution(s, stakes, amounts)
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\t\n",
				n, r.Strategy, r.Distributed, r.Claimed, r.Error().Raw(), r.OverDistributed())
		}
	}
	if err := w.Flush(); err != nil {
		logger.Fatal().Err(err).Msg("write table")
	}
}

func parseCounts(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return nil, fmt.Errorf("staker count must be positive, got %d", n)
		}
		out = append(out, n)
	}
	return out, nil
}

// randomAmount returns a whole amount in [lo, hi] plus a random sub-unit
// tail, so divisions rarely come out even.
func randomAmount(rng *rand.Rand, lo, hi uint64) fpmath.Amount {
	whole := lo + rng.Uint64N(hi-lo+1)
	return fpmath.Units(whole).Add(fpmath.NewAmount(rng.Uint64N(1_000_000_000_000_000_000)))
}
