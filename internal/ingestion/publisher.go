package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/state"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundEvent is the downstream form of a persisted core output.
type OutboundEvent struct {
	Sequence       int64                    `json:"sequence"`
	EventType      string                   `json:"event_type"`
	IdempotencyKey string                   `json:"idempotency_key"`
	Partition      string                   `json:"partition"`
	Outcome        string                   `json:"outcome"`
	Payload        json.RawMessage          `json:"payload"`
	StateHash      string                   `json:"state_hash"`
	PrevHash       string                   `json:"prev_hash"`
	Timestamp      time.Time                `json:"timestamp"`
	Liquidation    *state.LiquidationResult `json:"liquidation,omitempty"`
	Troves         []OutboundTrove          `json:"troves,omitempty"`
}

// OutboundTrove is a touched trove; Trove is null once the record is gone.
type OutboundTrove struct {
	Owner string       `json:"owner"`
	Trove *state.Trove `json:"trove"`
}

// NewOutboundEvent flattens a core output.
func NewOutboundEvent(out core.CoreOutput) OutboundEvent {
	env := out.Envelope
	oe := OutboundEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Outcome:        string(out.Outcome),
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.Receipt != nil {
		oe.Liquidation = out.Receipt.Liquidation
	}
	for _, tv := range out.Troves {
		oe.Troves = append(oe.Troves, OutboundTrove{Owner: tv.Owner.String(), Trove: tv.Trove})
	}
	return oe
}

// Subject is the NATS subject the event is published on.
func (oe OutboundEvent) Subject() string {
	return fmt.Sprintf("%s.%s", SubjectOutbound, oe.EventType)
}

// Sink delivers outbound events to one downstream system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, evt OutboundEvent) error
	Close() error
}

// OutboundPublisher fans persisted outputs out to every sink.
// Subjects follow the pattern: trove.ledger.events.{event_type}
type OutboundPublisher struct {
	inputChan <-chan core.CoreOutput
	sinks     []Sink
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewOutboundPublisher(inputChan <-chan core.CoreOutput, sinks []Sink, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop. Publish failures are logged and
// counted; downstream consumers can always fall back to the event log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	defer op.close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			evt := NewOutboundEvent(out)
			for _, sink := range op.sinks {
				if err := sink.Publish(ctx, evt); err != nil {
					op.logger.Warn().Err(err).Str("sink", sink.Name()).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
					if op.metrics != nil {
						op.metrics.PublishErrors.WithLabelValues(sink.Name()).Inc()
					}
				}
			}
		}
	}
}

func (op *OutboundPublisher) close() {
	for _, sink := range op.sinks {
		if err := sink.Close(); err != nil {
			op.logger.Warn().Err(err).Str("sink", sink.Name()).Msg("close sink")
		}
	}
}

// JetStreamSink publishes to the TROVE_LEDGER_EVENTS stream. The message ID
// is the global sequence so JetStream deduplicates republished outputs.
type JetStreamSink struct {
	js jetstream.JetStream
}

func NewJetStreamSink(js jetstream.JetStream) *JetStreamSink {
	return &JetStreamSink{js: js}
}

func (s *JetStreamSink) Name() string { return "jetstream" }

func (s *JetStreamSink) Publish(ctx context.Context, evt OutboundEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

func (s *JetStreamSink) Close() error { return nil }
