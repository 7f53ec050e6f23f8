package event

import (
	"time"

	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// ProvideToStabilityPool deposits debt tokens into the pool.
type ProvideToStabilityPool struct {
	CommandID uuid.UUID     `json:"command_id"`
	Source    string        `json:"source,omitempty"`
	Depositor uuid.UUID     `json:"depositor"`
	Amount    fpmath.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (p *ProvideToStabilityPool) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *ProvideToStabilityPool) EventType() EventType {
	return EventTypeProvideToStabilityPool
}

func (p *ProvideToStabilityPool) Partition() string {
	return CommandPartition(p.Source)
}

func (p *ProvideToStabilityPool) SourceSequence() int64 {
	return p.Sequence
}

func (p *ProvideToStabilityPool) SetSourceSequence(seq int64) {
	p.Sequence = seq
}

func (p *ProvideToStabilityPool) OccurredAt() time.Time {
	return p.Timestamp
}

// WithdrawFromStabilityPool withdraws up to Amount of the compounded deposit
// and pays out the collateral gain. A zero Amount only claims the gain.
type WithdrawFromStabilityPool struct {
	CommandID uuid.UUID     `json:"command_id"`
	Source    string        `json:"source,omitempty"`
	Depositor uuid.UUID     `json:"depositor"`
	Amount    fpmath.Amount `json:"amount"`
	Sequence  int64         `json:"sequence"`
	Timestamp time.Time     `json:"timestamp"`
}

func (w *WithdrawFromStabilityPool) IdempotencyKey() string {
	return w.CommandID.String()
}

func (w *WithdrawFromStabilityPool) EventType() EventType {
	return EventTypeWithdrawFromStabilityPool
}

func (w *WithdrawFromStabilityPool) Partition() string {
	return CommandPartition(w.Source)
}

func (w *WithdrawFromStabilityPool) SourceSequence() int64 {
	return w.Sequence
}

func (w *WithdrawFromStabilityPool) SetSourceSequence(seq int64) {
	w.Sequence = seq
}

func (w *WithdrawFromStabilityPool) OccurredAt() time.Time {
	return w.Timestamp
}

// ClaimGainToTrove moves a depositor's collateral gain into their trove.
type ClaimGainToTrove struct {
	CommandID uuid.UUID `json:"command_id"`
	Source    string    `json:"source,omitempty"`
	Depositor uuid.UUID `json:"depositor"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *ClaimGainToTrove) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *ClaimGainToTrove) EventType() EventType {
	return EventTypeClaimGainToTrove
}

func (c *ClaimGainToTrove) Partition() string {
	return CommandPartition(c.Source)
}

func (c *ClaimGainToTrove) SourceSequence() int64 {
	return c.Sequence
}

func (c *ClaimGainToTrove) SetSourceSequence(seq int64) {
	c.Sequence = seq
}

func (c *ClaimGainToTrove) OccurredAt() time.Time {
	return c.Timestamp
}
