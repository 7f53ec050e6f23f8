package ledger

import (
	"fmt"
	"math/big"
	"sort"

	fpmath "TroveLedger/internal/math"
)

// BalanceTracker maintains in-memory signed account balances. Only external
// accounts are expected to go negative.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

func (bt *BalanceTracker) entry(key AccountKey) *big.Int {
	b, ok := bt.balances[key]
	if !ok {
		b = new(big.Int)
		bt.balances[key] = b
	}
	return b
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amt := j.Amount.Big()
	bt.entry(j.DebitAccount).Add(bt.entry(j.DebitAccount), amt)
	bt.entry(j.CreditAccount).Sub(bt.entry(j.CreditAccount), amt)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

// GetBalance returns a copy of the signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if b, ok := bt.balances[key]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// NetChanges sums the signed effect of a batch per account without applying it.
func NetChanges(batch *Batch) map[AccountKey]*big.Int {
	changes := make(map[AccountKey]*big.Int)
	get := func(k AccountKey) *big.Int {
		if c, ok := changes[k]; ok {
			return c
		}
		c := new(big.Int)
		changes[k] = c
		return c
	}
	for _, j := range batch.Journals {
		amt := j.Amount.Big()
		get(j.DebitAccount).Add(get(j.DebitAccount), amt)
		get(j.CreditAccount).Sub(get(j.CreditAccount), amt)
	}
	return changes
}

// Projected returns the balance an account would hold after the batch.
func (bt *BalanceTracker) Projected(key AccountKey, changes map[AccountKey]*big.Int) *big.Int {
	b := bt.GetBalance(key)
	if c, ok := changes[key]; ok {
		b.Add(b, c)
	}
	return b
}

// ComputeGlobalBalance sums all account balances (0 per asset for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)
	for key, balance := range bt.balances {
		t, ok := totals[key.AssetID]
		if !ok {
			t = new(big.Int)
			totals[key.AssetID] = t
		}
		t.Add(t, balance)
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if bt.GetBalance(key).Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), bt.GetBalance(key))
	}
	return nil
}

// BalanceEntry is one account balance in a deterministic dump.
type BalanceEntry struct {
	Key     AccountKey
	Balance *big.Int
}

// Snapshot returns all non-zero balances sorted by account path (for state
// hashing and persistence).
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.balances))
	for k, v := range bt.balances {
		if v.Sign() == 0 {
			continue
		}
		out = append(out, BalanceEntry{Key: k, Balance: new(big.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.AccountPath() < out[j].Key.AccountPath()
	})
	return out
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		bt.balances[e.Key] = new(big.Int).Set(e.Balance)
	}
}

// Holding converts a balance into an Amount, failing for negative balances.
func Holding(key AccountKey, b *big.Int) (fpmath.Amount, error) {
	if b.Sign() < 0 {
		return fpmath.Zero(), fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), b)
	}
	return fpmath.FromBig(b)
}
