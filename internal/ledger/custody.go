package ledger

import (
	"errors"
	"fmt"
	"math/big"

	fpmath "TroveLedger/internal/math"
)

var (
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrReconciliation      = errors.New("custody: reconciliation mismatch")
)

// Custody is the collateral and debt-token ledger. Movements are staged on a
// Batch and applied together or not at all.
type Custody struct {
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func NewCustody() *Custody {
	tracker := NewBalanceTracker()
	return &Custody{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

// Check validates a batch against current balances without applying it.
func (c *Custody) Check(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	return c.validator.ValidateNonNegativeAfter(NetChanges(batch))
}

// CheckProjected validates a batch and verifies that, once applied, the
// listed accounts would hold exactly the expected amounts.
func (c *Custody) CheckProjected(batch *Batch, expected map[AccountKey]fpmath.Amount) error {
	if err := c.Check(batch); err != nil {
		return err
	}
	return c.validator.ValidateExpected(NetChanges(batch), expected)
}

// Apply checks and applies a batch atomically.
func (c *Custody) Apply(batch *Batch) error {
	if err := c.Check(batch); err != nil {
		return err
	}
	return c.tracker.ApplyBatch(batch)
}

// Reconcile verifies current balances against expected totals.
func (c *Custody) Reconcile(expected map[AccountKey]fpmath.Amount) error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("%w: %v", ErrReconciliation, err)
	}
	return c.validator.ValidateExpected(nil, expected)
}

// Balance returns an internal account's holdings. Negative balances only
// occur on external accounts and read as zero.
func (c *Custody) Balance(key AccountKey) fpmath.Amount {
	b := c.tracker.GetBalance(key)
	if b.Sign() < 0 {
		return fpmath.Zero()
	}
	a, err := fpmath.FromBig(b)
	if err != nil {
		panic(err)
	}
	return a
}

// Supply is the outstanding debt-token supply.
func (c *Custody) Supply() fpmath.Amount {
	b := c.tracker.GetBalance(DebtIssuance())
	a, err := fpmath.FromBig(new(big.Int).Neg(b))
	if err != nil {
		panic(err)
	}
	return a
}

// Snapshot returns the sorted balance dump.
func (c *Custody) Snapshot() []BalanceEntry { return c.tracker.Snapshot() }

// Restore replaces all balances from a dump.
func (c *Custody) Restore(entries []BalanceEntry) { c.tracker.Restore(entries) }

// Balances returns a copy of the signed balances of the given accounts.
func (c *Custody) Balances(keys []AccountKey) map[AccountKey]*big.Int {
	out := make(map[AccountKey]*big.Int, len(keys))
	for _, k := range keys {
		out[k] = c.tracker.GetBalance(k)
	}
	return out
}
