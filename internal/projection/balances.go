package projection

import (
	"math/big"
	"sort"

	"TroveLedger/internal/ledger"
)

// BalanceDelta is the net change of one account across a batch.
type BalanceDelta struct {
	AccountPath string
	AssetID     uint16
	Delta       *big.Int
}

// BalanceDeltas nets a batch per account, sorted by path. Debits increase
// a balance and credits decrease it. Accounts netting to zero are omitted.
func BalanceDeltas(batch *ledger.Batch) []BalanceDelta {
	net := make(map[string]*BalanceDelta)
	touch := func(key ledger.AccountKey) *BalanceDelta {
		path := key.AccountPath()
		d, ok := net[path]
		if !ok {
			d = &BalanceDelta{AccountPath: path, AssetID: uint16(key.AssetID), Delta: new(big.Int)}
			net[path] = d
		}
		return d
	}
	for _, j := range batch.Journals {
		amount := j.Amount.Big()
		debit := touch(j.DebitAccount)
		debit.Delta.Add(debit.Delta, amount)
		credit := touch(j.CreditAccount)
		credit.Delta.Sub(credit.Delta, amount)
	}

	out := make([]BalanceDelta, 0, len(net))
	for _, d := range net {
		if d.Delta.Sign() != 0 {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountPath < out[j].AccountPath })
	return out
}
