package query

import (
	"time"

	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// Amounts are raw 18-decimal integers, serialized as strings.

// TroveResponse is a trove as recorded by the projection. Pending
// redistribution rewards are not included; see LiveTrove.
type TroveResponse struct {
	Owner        uuid.UUID     `json:"owner"`
	Status       string        `json:"status"`
	Collateral   fpmath.Amount `json:"collateral"`
	Debt         fpmath.Amount `json:"debt"`
	Stake        fpmath.Amount `json:"stake"`
	LColl        fpmath.Amount `json:"l_coll_snapshot"`
	LDebt        fpmath.Amount `json:"l_debt_snapshot"`
	Version      int64         `json:"version"`
	UpdatedAt    time.Time     `json:"updated_at"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// DepositResponse is a stability pool deposit as of its last touch.
type DepositResponse struct {
	Owner        uuid.UUID     `json:"owner"`
	Initial      fpmath.Amount `json:"initial"`
	Compounded   fpmath.Amount `json:"compounded"`
	Gain         fpmath.Amount `json:"gain"`
	Epoch        uint64        `json:"epoch"`
	Scale        uint64        `json:"scale"`
	UpdatedAt    time.Time     `json:"updated_at"`
	AsOfSequence int64         `json:"as_of_sequence"`
}

// PoolResponse is the stability pool and system totals.
type PoolResponse struct {
	P             fpmath.Amount `json:"p"`
	S             fpmath.Amount `json:"s"`
	Epoch         uint64        `json:"epoch"`
	Scale         uint64        `json:"scale"`
	TotalDeposits fpmath.Amount `json:"total_deposits"`
	CollBalance   fpmath.Amount `json:"coll_balance"`
	LColl         fpmath.Amount `json:"l_coll"`
	LDebt         fpmath.Amount `json:"l_debt"`
	DefaultColl   fpmath.Amount `json:"default_coll"`
	DefaultDebt   fpmath.Amount `json:"default_debt"`
	SystemColl    fpmath.Amount `json:"system_coll"`
	SystemDebt    fpmath.Amount `json:"system_debt"`
	ActiveTroves  int           `json:"active_troves"`
	TotalStakes   fpmath.Amount `json:"total_stakes"`
	Price         fpmath.Amount `json:"price"`
	PriceSequence int64         `json:"price_sequence"`
	AsOfSequence  int64         `json:"as_of_sequence"`
}

// LiquidationRecord is one trove closed by a liquidation call.
type LiquidationRecord struct {
	Sequence          int64         `json:"sequence"`
	Owner             uuid.UUID     `json:"owner"`
	Liquidator        uuid.UUID     `json:"liquidator"`
	Mode              string        `json:"mode"`
	Collateral        fpmath.Amount `json:"collateral"`
	Debt              fpmath.Amount `json:"debt"`
	CollGasComp       fpmath.Amount `json:"coll_gas_compensation"`
	DebtOffset        fpmath.Amount `json:"debt_offset"`
	CollToSP          fpmath.Amount `json:"coll_to_stability_pool"`
	DebtRedistributed fpmath.Amount `json:"debt_redistributed"`
	CollRedistributed fpmath.Amount `json:"coll_redistributed"`
	CollSurplus       fpmath.Amount `json:"coll_surplus"`
	Price             fpmath.Amount `json:"price"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// JournalHistoryEntry is one journal line from the event log.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID     `json:"journal_id"`
	BatchID       uuid.UUID     `json:"batch_id"`
	EventRef      string        `json:"event_ref"`
	Sequence      int64         `json:"sequence"`
	DebitAccount  string        `json:"debit_account"`
	CreditAccount string        `json:"credit_account"`
	AssetID       uint16        `json:"asset_id"`
	Amount        fpmath.Amount `json:"amount"`
	JournalType   string        `json:"journal_type"`
	Timestamp     int64         `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
