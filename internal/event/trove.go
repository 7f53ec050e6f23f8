package event

import (
	"time"

	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// OpenTrove locks collateral and mints NetDebt to the owner.
type OpenTrove struct {
	CommandID  uuid.UUID     `json:"command_id"`
	Source     string        `json:"source,omitempty"`
	Owner      uuid.UUID     `json:"owner"`
	Collateral fpmath.Amount `json:"collateral"`
	NetDebt    fpmath.Amount `json:"net_debt"`
	Sequence   int64         `json:"sequence"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (o *OpenTrove) IdempotencyKey() string {
	return o.CommandID.String()
}

func (o *OpenTrove) EventType() EventType {
	return EventTypeOpenTrove
}

func (o *OpenTrove) Partition() string {
	return CommandPartition(o.Source)
}

func (o *OpenTrove) SourceSequence() int64 {
	return o.Sequence
}

func (o *OpenTrove) SetSourceSequence(seq int64) {
	o.Sequence = seq
}

func (o *OpenTrove) OccurredAt() time.Time {
	return o.Timestamp
}

// AdjustTrove changes a trove's collateral and/or debt.
type AdjustTrove struct {
	CommandID    uuid.UUID     `json:"command_id"`
	Source       string        `json:"source,omitempty"`
	Owner        uuid.UUID     `json:"owner"`
	CollChange   fpmath.Amount `json:"coll_change"`
	CollIncrease bool          `json:"coll_increase"`
	DebtChange   fpmath.Amount `json:"debt_change"`
	DebtIncrease bool          `json:"debt_increase"`
	Sequence     int64         `json:"sequence"`
	Timestamp    time.Time     `json:"timestamp"`
}

func (a *AdjustTrove) IdempotencyKey() string {
	return a.CommandID.String()
}

func (a *AdjustTrove) EventType() EventType {
	return EventTypeAdjustTrove
}

func (a *AdjustTrove) Partition() string {
	return CommandPartition(a.Source)
}

func (a *AdjustTrove) SourceSequence() int64 {
	return a.Sequence
}

func (a *AdjustTrove) SetSourceSequence(seq int64) {
	a.Sequence = seq
}

func (a *AdjustTrove) OccurredAt() time.Time {
	return a.Timestamp
}

// CloseTrove repays the entire debt and releases the collateral.
type CloseTrove struct {
	CommandID uuid.UUID `json:"command_id"`
	Source    string    `json:"source,omitempty"`
	Owner     uuid.UUID `json:"owner"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *CloseTrove) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *CloseTrove) EventType() EventType {
	return EventTypeCloseTrove
}

func (c *CloseTrove) Partition() string {
	return CommandPartition(c.Source)
}

func (c *CloseTrove) SourceSequence() int64 {
	return c.Sequence
}

func (c *CloseTrove) SetSourceSequence(seq int64) {
	c.Sequence = seq
}

func (c *CloseTrove) OccurredAt() time.Time {
	return c.Timestamp
}

// ApplyPendingRewards folds redistribution rewards into a trove.
type ApplyPendingRewards struct {
	CommandID uuid.UUID `json:"command_id"`
	Source    string    `json:"source,omitempty"`
	Owner     uuid.UUID `json:"owner"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *ApplyPendingRewards) IdempotencyKey() string {
	return a.CommandID.String()
}

func (a *ApplyPendingRewards) EventType() EventType {
	return EventTypeApplyPendingRewards
}

func (a *ApplyPendingRewards) Partition() string {
	return CommandPartition(a.Source)
}

func (a *ApplyPendingRewards) SourceSequence() int64 {
	return a.Sequence
}

func (a *ApplyPendingRewards) SetSourceSequence(seq int64) {
	a.Sequence = seq
}

func (a *ApplyPendingRewards) OccurredAt() time.Time {
	return a.Timestamp
}

// TransferTokens moves debt tokens between two holders.
type TransferTokens struct {
	CommandID uuid.UUID     `json:"command_id"`
	Source    string        `json:"source,omitempty"`
	From      uuid.UUID     `json:"from"`
	To        uuid.UUID     `json:"to"`
	Amount    fpmath.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (t *TransferTokens) IdempotencyKey() string {
	return t.CommandID.String()
}

func (t *TransferTokens) EventType() EventType {
	return EventTypeTransferTokens
}

func (t *TransferTokens) Partition() string {
	return CommandPartition(t.Source)
}

func (t *TransferTokens) SourceSequence() int64 {
	return t.Sequence
}

func (t *TransferTokens) SetSourceSequence(seq int64) {
	t.Sequence = seq
}

func (t *TransferTokens) OccurredAt() time.Time {
	return t.Timestamp
}

// ClaimCollSurplus pays out collateral left over from capped liquidations.
type ClaimCollSurplus struct {
	CommandID uuid.UUID `json:"command_id"`
	Source    string    `json:"source,omitempty"`
	Owner     uuid.UUID `json:"owner"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *ClaimCollSurplus) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClaimCollSurplus) EventType() EventType {
	return EventTypeClaimCollSurplus
}

func (c *ClaimCollSurplus) Partition() string {
	return CommandPartition(c.Source)
}

func (c *ClaimCollSurplus) SourceSequence() int64 {
	return c.Sequence
}

func (c *ClaimCollSurplus) SetSourceSequence(seq int64) {
	c.Sequence = seq
}

func (c *ClaimCollSurplus) OccurredAt() time.Time {
	return c.Timestamp
}
