package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name   string
	err    error
	got    []ingestion.OutboundEvent
	closed bool
}

func (s *recordingSink) Name() string { return s.name }
func (s *recordingSink) Publish(_ context.Context, evt ingestion.OutboundEvent) error {
	s.got = append(s.got, evt)
	return s.err
}
func (s *recordingSink) Close() error { s.closed = true; return nil }

func sampleOutput() core.CoreOutput {
	owner := uuid.MustParse(ownerID)
	env := &event.EventEnvelope{
		Sequence:       12,
		IdempotencyKey: commandID,
		EventType:      event.EventTypeLiquidate,
		Partition:      "commands/keeper",
		Timestamp:      time.Unix(1700000000, 0).UTC(),
		Payload:        []byte(`{"owner":"x"}`),
	}
	env.StateHash[0] = 0xab
	return core.CoreOutput{
		Envelope: env,
		Outcome:  core.OutcomeApplied,
		Receipt:  &state.Receipt{Liquidation: &state.LiquidationResult{Offsets: 1}},
		Troves:   []core.TroveView{{Owner: owner}},
	}
}

func TestNewOutboundEvent(t *testing.T) {
	oe := ingestion.NewOutboundEvent(sampleOutput())

	assert.Equal(t, int64(12), oe.Sequence)
	assert.Equal(t, "Liquidate", oe.EventType)
	assert.Equal(t, "applied", oe.Outcome)
	assert.Equal(t, "trove.ledger.events.Liquidate", oe.Subject())
	assert.Equal(t, "ab", oe.StateHash[:2])
	require.NotNil(t, oe.Liquidation)
	assert.Equal(t, 1, oe.Liquidation.Offsets)
	require.Len(t, oe.Troves, 1)
	assert.Nil(t, oe.Troves[0].Trove, "closed troves are published as null")
}

func TestOutboundPublisher_FansOutAndCountsErrors(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	good := &recordingSink{name: "good"}
	bad := &recordingSink{name: "bad", err: errors.New("unavailable")}

	in := make(chan core.CoreOutput, 2)
	in <- sampleOutput()
	in <- sampleOutput()
	close(in)

	pub := ingestion.NewOutboundPublisher(in, []ingestion.Sink{good, bad}, metrics, zerolog.Nop())
	require.NoError(t, pub.Run(context.Background()))

	assert.Len(t, good.got, 2)
	assert.Len(t, bad.got, 2, "a failing sink does not stop delivery")
	assert.True(t, good.closed && bad.closed)
	assert.Equal(t, 2.0, counterValue(t, metrics.PublishErrors.WithLabelValues("bad")))
	assert.Equal(t, 0.0, counterValue(t, metrics.PublishErrors.WithLabelValues("good")))
}
