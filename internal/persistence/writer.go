package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"TroveLedger/internal/core"

	"github.com/lib/pq"
)

// Postgres caps a statement at 65535 bind parameters.
const maxBindParams = 65535

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and journals using multi-row INSERTs. Writes
// are idempotent so a batch retried after an ambiguous commit is harmless.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Outcome        string
	Payload        []byte // JSON-encoded event, see event.Encode
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        string // raw integer, stored as NUMERIC(78,0)
	JournalType   string
	Timestamp     int64
}

var (
	eventColumns = []string{
		"sequence", "event_type", "idempotency_key", "partition", "outcome",
		"payload", "state_hash", "prev_hash", "timestamp", "source_sequence",
	}
	journalColumns = []string{
		"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
		"credit_account", "asset_id", "amount", "journal_type", "timestamp",
	}
)

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// RowsFromOutput converts a core output into its event and journal rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Outcome:        string(out.Outcome),
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if out.Batch == nil {
		return row, nil
	}
	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount.Raw(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return row, journals
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx execer, events []EventRow) error {
	args := make([][]interface{}, 0, len(events))
	for _, e := range events {
		args = append(args, []interface{}{
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, e.Outcome,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		})
	}
	return insertChunked(ctx, tx, "event_log.events", eventColumns, "ON CONFLICT (sequence) DO NOTHING", args)
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx execer, journals []JournalRow) error {
	args := make([][]interface{}, 0, len(journals))
	for _, j := range journals {
		args = append(args, []interface{}{
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, j.AssetID, j.Amount, j.JournalType, j.Timestamp,
		})
	}
	return insertChunked(ctx, tx, "event_log.journal", journalColumns, "ON CONFLICT (journal_id) DO NOTHING", args)
}

func insertChunked(ctx context.Context, tx execer, table string, columns []string, conflict string, rows [][]interface{}) error {
	perStmt := maxBindParams / len(columns)
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]
		query := buildInsert(table, columns, len(chunk), conflict)
		args := make([]interface{}, 0, len(chunk)*len(columns))
		for _, r := range chunk {
			args = append(args, r...)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// buildInsert renders a multi-row INSERT with positional placeholders.
func buildInsert(table string, columns []string, rows int, conflict string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	if conflict != "" {
		b.WriteByte(' ')
		b.WriteString(conflict)
	}
	return b.String()
}

// IsPermanent reports whether a write error will fail the same way on retry.
// Integrity violations (SQLSTATE class 23) mean the log disagrees with the
// core, which retrying cannot fix.
func IsPermanent(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	return false
}
