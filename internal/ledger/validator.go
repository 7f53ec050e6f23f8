package ledger

import (
	"fmt"
	"math/big"

	fpmath "TroveLedger/internal/math"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for assetID, total := range v.tracker.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %s", assetName, total)
		}
	}
	return nil
}

// ValidateNonNegativeAfter checks that no internal account goes negative once
// the batch is applied.
func (v *InvariantValidator) ValidateNonNegativeAfter(changes map[AccountKey]*big.Int) error {
	for key := range changes {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if after := v.tracker.Projected(key, changes); after.Sign() < 0 {
			return fmt.Errorf("%w: %s would hold %s", ErrInsufficientBalance, key.AccountPath(), after)
		}
	}
	return nil
}

// ValidateExpected compares account balances, optionally projected through a
// batch, against the totals the protocol believes they hold. External
// accounts are compared by the amount they have issued (negated balance).
func (v *InvariantValidator) ValidateExpected(changes map[AccountKey]*big.Int, expected map[AccountKey]fpmath.Amount) error {
	for key, want := range expected {
		got := v.tracker.Projected(key, changes)
		if key.Scope == AccountScopeExternal {
			got.Neg(got)
		}
		if got.Cmp(want.Big()) != 0 {
			return fmt.Errorf("%w: %s holds %s, ledger totals say %s",
				ErrReconciliation, key.AccountPath(), got, want.Raw())
		}
	}
	return nil
}
