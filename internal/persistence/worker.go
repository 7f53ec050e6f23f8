package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends to it with blocking sends, so a slow worker stalls the core
// and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	published    chan<- core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("component", "persistence").Logger(),
	}
}

// PublishTo forwards every durably written output to ch. Sends never block;
// a full channel drops the output.
func (pw *PersistenceWorker) PublishTo(ch chan<- core.CoreOutput) {
	pw.published = ch
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. It returns when the input channel closes, or with
// an error if a batch can never be written.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]core.CoreOutput, 0, pw.batchSize)
	var oldest time.Time

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) error {
		if len(pending) == 0 {
			return nil
		}
		if err := pw.flushWithRetry(ctx, pending); err != nil {
			return err
		}
		if pw.metrics != nil {
			pw.metrics.ApplyToPersist.Observe(time.Since(oldest).Seconds())
		}
		pw.forward(pending)
		pending = pending[:0]
		return nil
	}

	add := func(output core.CoreOutput) {
		if len(pending) == 0 {
			oldest = time.Now()
		}
		pending = append(pending, output)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what the core already handed over.
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						return flush(context.Background())
					}
					add(output)
				default:
					return flush(context.Background())
				}
			}

		case output, ok := <-pw.inputChan:
			if !ok {
				return flush(context.Background())
			}
			add(output)
			if len(pending) >= pw.batchSize {
				if err := flush(ctx); err != nil {
					return err
				}
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if err := flush(ctx); err != nil {
				return err
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) forward(outputs []core.CoreOutput) {
	if pw.published == nil {
		return
	}
	for _, out := range outputs {
		select {
		case pw.published <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt without the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).
				Int("events", len(outputs)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), outputs); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		if IsPermanent(err) {
			pw.logger.Error().Err(err).Int64("first_sequence", outputs[0].Envelope.Sequence).
				Msg("event log rejected batch")
			return fmt.Errorf("persist batch at seq %d: %w", outputs[0].Envelope.Sequence, err)
		}
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(outputs))
	var journals []JournalRow
	for _, out := range outputs {
		row, js := RowsFromOutput(out)
		events = append(events, row)
		journals = append(journals, js...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
