package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePriceUpdate
	EventTypeOpenTrove
	EventTypeAdjustTrove
	EventTypeCloseTrove
	EventTypeApplyPendingRewards
	EventTypeProvideToStabilityPool
	EventTypeWithdrawFromStabilityPool
	EventTypeClaimGainToTrove
	EventTypeLiquidate
	EventTypeLiquidateBatch
	EventTypeLiquidateList
	EventTypeTransferTokens
	EventTypeClaimCollSurplus
)

// Partitions used for source sequence validation.
const (
	PartitionCommands = "commands"
	PartitionOracle   = "oracle"
)

// CommandPartition names the ordering partition of a command source. Each
// source numbers its commands independently.
func CommandPartition(source string) string {
	if source == "" {
		return PartitionCommands
	}
	return PartitionCommands + "/" + source
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition (commands or oracle)
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data, see Encode/Decode
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned input time the core judges staleness against
	OccurredAt() time.Time
}

// Command is an event whose source sequence is stamped by the sequencer that
// accepts it rather than by the producer.
type Command interface {
	Event
	SetSourceSequence(seq int64)
}

func (et EventType) String() string {
	switch et {
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeOpenTrove:
		return "OpenTrove"
	case EventTypeAdjustTrove:
		return "AdjustTrove"
	case EventTypeCloseTrove:
		return "CloseTrove"
	case EventTypeApplyPendingRewards:
		return "ApplyPendingRewards"
	case EventTypeProvideToStabilityPool:
		return "ProvideToStabilityPool"
	case EventTypeWithdrawFromStabilityPool:
		return "WithdrawFromStabilityPool"
	case EventTypeClaimGainToTrove:
		return "ClaimGainToTrove"
	case EventTypeLiquidate:
		return "Liquidate"
	case EventTypeLiquidateBatch:
		return "LiquidateBatch"
	case EventTypeLiquidateList:
		return "LiquidateList"
	case EventTypeTransferTokens:
		return "TransferTokens"
	case EventTypeClaimCollSurplus:
		return "ClaimCollSurplus"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypePriceUpdate; et <= EventTypeClaimCollSurplus; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
