package state

import (
	"fmt"
	"time"

	fpmath "TroveLedger/internal/math"
)

// Params are the protocol constants. Ratios are fixed-point (Unit = 100%).
type Params struct {
	MCR                fpmath.Amount // minimum collateral ratio
	CCR                fpmath.Amount // critical system collateral ratio (Recovery Mode below)
	MinNetDebt         fpmath.Amount // smallest debt a trove may carry, excluding the gas reserve
	GasCompensation    fpmath.Amount // debt-token reserve held per trove, paid to the liquidator
	CollGasCompDivisor uint64        // liquidator receives collateral / divisor; 0 disables
	MaxPriceAge        time.Duration // 0 disables oracle staleness checks
}

// DefaultParams mirrors the reference deployment.
func DefaultParams() Params {
	return Params{
		MCR:                fpmath.MustParseAmount("1.1"),
		CCR:                fpmath.MustParseAmount("1.5"),
		MinNetDebt:         fpmath.Units(1800),
		GasCompensation:    fpmath.Units(200),
		CollGasCompDivisor: 200,
		MaxPriceAge:        time.Hour,
	}
}

// Validate checks that parameters are within valid ranges.
func (p Params) Validate() error {
	if p.MCR.Lte(fpmath.Unit) {
		return fmt.Errorf("mcr must be > 1.0, got %s", p.MCR)
	}
	if p.CCR.Lt(p.MCR) {
		return fmt.Errorf("ccr (%s) must be >= mcr (%s)", p.CCR, p.MCR)
	}
	if p.MinNetDebt.IsZero() {
		return fmt.Errorf("min_net_debt must be > 0")
	}
	if p.CollGasCompDivisor == 1 {
		return fmt.Errorf("coll_gas_comp_divisor of 1 would pay the whole trove to the liquidator")
	}
	if p.MaxPriceAge < 0 {
		return fmt.Errorf("max_price_age must be >= 0, got %s", p.MaxPriceAge)
	}
	return nil
}

// collGasCompensation is the liquidator's collateral share of a trove.
func (p Params) collGasCompensation(entireColl fpmath.Amount) fpmath.Amount {
	if p.CollGasCompDivisor == 0 {
		return fpmath.Zero()
	}
	return entireColl.Div(fpmath.NewAmount(p.CollGasCompDivisor))
}
