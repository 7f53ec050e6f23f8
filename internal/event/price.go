package event

import (
	"fmt"
	"time"

	fpmath "TroveLedger/internal/math"
)

// PriceUpdate is a collateral price observation from the oracle feed.
// Gaps in PriceSequence are tolerated; stale sequences are ignored.
type PriceUpdate struct {
	Price          fpmath.Amount `json:"price"`
	PriceSequence  int64         `json:"price_sequence"`
	PriceTimestamp int64         `json:"price_timestamp"` // epoch microseconds
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%d", p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (p *PriceUpdate) Partition() string {
	return PartitionOracle
}

func (p *PriceUpdate) SourceSequence() int64 {
	return p.PriceSequence
}

func (p *PriceUpdate) OccurredAt() time.Time {
	return time.UnixMicro(p.PriceTimestamp)
}
