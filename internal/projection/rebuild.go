package projection

import (
	"context"
	"database/sql"
	"fmt"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"

	"github.com/rs/zerolog"
)

// EnvelopeSource pages through the event log.
type EnvelopeSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error)
}

// RebuildProjections truncates every projection table and replays the whole
// event log through a fresh core, verifying the hash chain on the way.
func RebuildProjections(ctx context.Context, db *sql.DB, source EnvelopeSource, opts core.Options, metrics *observability.Metrics, logger zerolog.Logger) (int64, error) {
	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.troves`,
		`TRUNCATE projections.deposits`,
		`TRUNCATE projections.pool_state`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate failed: %w", err)
		}
	}

	outputs := make(chan core.CoreOutput, 1)
	opts.ReplayEmits = true
	opts.Metrics = metrics
	c, err := core.NewDeterministicCore(0, nil, outputs, opts)
	if err != nil {
		return 0, err
	}
	worker := NewProjectionWorker(db, nil, metrics, logger)

	const pageSize = 1000
	var replayed int64
	for from := int64(0); ; {
		envelopes, err := source.LoadEventsFrom(ctx, from, pageSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(envelopes) == 0 {
			break
		}
		for _, env := range envelopes {
			if err := c.ReplayEvent(env); err != nil {
				return replayed, err
			}
			if err := worker.Apply(ctx, <-outputs); err != nil {
				return replayed, fmt.Errorf("apply seq %d: %w", env.Sequence, err)
			}
			replayed++
		}
		from = envelopes[len(envelopes)-1].Sequence + 1
	}

	logger.Info().Int64("events", replayed).Msg("projection rebuild complete")
	return replayed, nil
}
