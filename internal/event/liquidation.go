package event

import (
	"time"

	"github.com/google/uuid"
)

// Liquidate targets a single trove.
type Liquidate struct {
	CommandID  uuid.UUID `json:"command_id"`
	Source     string    `json:"source,omitempty"`
	Liquidator uuid.UUID `json:"liquidator"`
	Owner      uuid.UUID `json:"owner"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func (l *Liquidate) IdempotencyKey() string {
	return l.CommandID.String()
}

func (l *Liquidate) EventType() EventType {
	return EventTypeLiquidate
}

func (l *Liquidate) Partition() string {
	return CommandPartition(l.Source)
}

func (l *Liquidate) SourceSequence() int64 {
	return l.Sequence
}

func (l *Liquidate) SetSourceSequence(seq int64) {
	l.Sequence = seq
}

func (l *Liquidate) OccurredAt() time.Time {
	return l.Timestamp
}

// LiquidateBatch walks the riskiest troves until one is healthy or MaxCount
// have been liquidated.
type LiquidateBatch struct {
	CommandID  uuid.UUID `json:"command_id"`
	Source     string    `json:"source,omitempty"`
	Liquidator uuid.UUID `json:"liquidator"`
	MaxCount   int       `json:"max_count"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func (l *LiquidateBatch) IdempotencyKey() string {
	return l.CommandID.String()
}

func (l *LiquidateBatch) EventType() EventType {
	return EventTypeLiquidateBatch
}

func (l *LiquidateBatch) Partition() string {
	return CommandPartition(l.Source)
}

func (l *LiquidateBatch) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidateBatch) SetSourceSequence(seq int64) {
	l.Sequence = seq
}

func (l *LiquidateBatch) OccurredAt() time.Time {
	return l.Timestamp
}

// LiquidateList liquidates the eligible troves of an explicit owner list.
type LiquidateList struct {
	CommandID  uuid.UUID   `json:"command_id"`
	Source     string      `json:"source,omitempty"`
	Liquidator uuid.UUID   `json:"liquidator"`
	Owners     []uuid.UUID `json:"owners"`
	Sequence   int64       `json:"sequence"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (l *LiquidateList) IdempotencyKey() string {
	return l.CommandID.String()
}

func (l *LiquidateList) EventType() EventType {
	return EventTypeLiquidateList
}

func (l *LiquidateList) Partition() string {
	return CommandPartition(l.Source)
}

func (l *LiquidateList) SourceSequence() int64 {
	return l.Sequence
}

func (l *LiquidateList) SetSourceSequence(seq int64) {
	l.Sequence = seq
}

func (l *LiquidateList) OccurredAt() time.Time {
	return l.Timestamp
}
