package state

import (
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// TroveStatus tracks the trove lifecycle
type TroveStatus int32

const (
	TroveStatusNonExistent TroveStatus = iota
	TroveStatusActive
	TroveStatusClosedByOwner
	TroveStatusClosedByLiquidation
)

func (s TroveStatus) String() string {
	switch s {
	case TroveStatusNonExistent:
		return "NonExistent"
	case TroveStatusActive:
		return "Active"
	case TroveStatusClosedByOwner:
		return "ClosedByOwner"
	case TroveStatusClosedByLiquidation:
		return "ClosedByLiquidation"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates status transitions. A trove closed by its owner
// may be reopened; a liquidated trove record is never modified again, the
// owner reopening starts a fresh record.
func (s TroveStatus) CanTransitionTo(next TroveStatus) bool {
	validTransitions := map[TroveStatus][]TroveStatus{
		TroveStatusNonExistent:   {TroveStatusActive},
		TroveStatusActive:        {TroveStatusClosedByOwner, TroveStatusClosedByLiquidation},
		TroveStatusClosedByOwner: {TroveStatusActive},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// RewardSnapshot is the accumulator state a trove last reconciled against.
type RewardSnapshot struct {
	Collateral fpmath.Amount `json:"l_coll"`
	Debt       fpmath.Amount `json:"l_debt"`
}

// Trove is an owner's collateralized debt position. Debt includes the gas
// compensation reserve.
type Trove struct {
	Owner      uuid.UUID      `json:"owner"`
	Collateral fpmath.Amount  `json:"collateral"`
	Debt       fpmath.Amount  `json:"debt"`
	Stake      fpmath.Amount  `json:"stake"`
	Status     TroveStatus    `json:"status"`
	Snapshot   RewardSnapshot `json:"snapshot"`
	Version    int64          `json:"version"`
}

func (t *Trove) IsActive() bool { return t.Status == TroveStatusActive }

// NICR is the price-independent ratio the risk index orders by.
func (t *Trove) NICR() fpmath.Amount { return fpmath.NICR(t.Collateral, t.Debt) }

// CanonicalBytes returns deterministic serialization for hashing
func (t *Trove) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+32*6+1)
	buf = append(buf, t.Owner[:]...)
	buf = appendAmount(buf, t.Collateral)
	buf = appendAmount(buf, t.Debt)
	buf = appendAmount(buf, t.Stake)
	buf = appendAmount(buf, t.Snapshot.Collateral)
	buf = appendAmount(buf, t.Snapshot.Debt)
	buf = append(buf, byte(t.Status))
	return buf
}

func appendAmount(buf []byte, a fpmath.Amount) []byte {
	b := a.Bytes32()
	return append(buf, b[:]...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
