package state

import (
	"time"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// PriceOracle supplies the collateral price. A stale or missing price aborts
// the operation.
type PriceOracle interface {
	GetPrice(asOf time.Time) (fpmath.Amount, error)
}

// RiskOrderedPositions iterates open troves from riskiest (lowest NICR) up.
type RiskOrderedPositions interface {
	Head() (uuid.UUID, bool)
	Next(id uuid.UUID) (uuid.UUID, bool)
	Insert(id uuid.UUID, nicr fpmath.Amount) error
	Reinsert(id uuid.UUID, nicr fpmath.Amount) error
	Remove(id uuid.UUID) error
	Contains(id uuid.UUID) bool
	Len() int
}

// AssetCustody holds the collateral and debt-token balances. Movements are
// staged on a ledger.Batch and applied all-or-nothing.
type AssetCustody interface {
	Check(batch *ledger.Batch) error
	CheckProjected(batch *ledger.Batch, expected map[ledger.AccountKey]fpmath.Amount) error
	Apply(batch *ledger.Batch) error
	Reconcile(expected map[ledger.AccountKey]fpmath.Amount) error
	Balance(key ledger.AccountKey) fpmath.Amount
}

// Op identifies the command driving a state change. Ref and Sequence make
// the custody batch deterministic; At is the command's own timestamp.
type Op struct {
	Ref      string
	Sequence int64
	At       time.Time
}

func (o Op) batch() *ledger.Batch {
	return ledger.NewBatch(o.Ref, o.Sequence, o.At.UnixMicro())
}
