package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/state"
	"TroveLedger/migrations"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInsert_Placeholders(t *testing.T) {
	q := buildInsert("event_log.t", []string{"a", "b"}, 2, "ON CONFLICT (a) DO NOTHING")
	assert.Equal(t,
		"INSERT INTO event_log.t (a, b) VALUES ($1, $2), ($3, $4) ON CONFLICT (a) DO NOTHING", q)
}

type execFunc func(query string, args ...interface{}) error

func (f execFunc) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	return driver.RowsAffected(0), f(query, args...)
}

func TestInsertChunked_SplitsAtBindLimit(t *testing.T) {
	cols := []string{"a", "b", "c"}
	rows := make([][]interface{}, maxBindParams/len(cols)+5)
	for i := range rows {
		rows[i] = []interface{}{i, i, i}
	}

	var stmts []int
	exec := execFunc(func(query string, args ...interface{}) error {
		stmts = append(stmts, len(args))
		return nil
	})
	require.NoError(t, insertChunked(t.Context(), exec, "t", cols, "", rows))
	require.Len(t, stmts, 2)
	assert.Equal(t, (maxBindParams/len(cols))*len(cols), stmts[0])
	assert.Equal(t, 5*len(cols), stmts[1])
}

func TestInsertChunked_WrapsError(t *testing.T) {
	exec := execFunc(func(string, ...interface{}) error { return errors.New("boom") })
	err := insertChunked(t.Context(), exec, "event_log.events", []string{"a"}, "", [][]interface{}{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert event_log.events")
}

func TestRowsFromOutput_CarriesJournals(t *testing.T) {
	persistCh := make(chan core.CoreOutput, 4)
	params := state.DefaultParams()
	params.MinNetDebt = fpmath.Units(50)
	params.GasCompensation = fpmath.Units(10)
	c, err := core.NewDeterministicCore(0, persistCh, nil, core.Options{Params: params})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, c.ProcessEvent(&event.PriceUpdate{Price: fpmath.Units(200), PriceSequence: 1, PriceTimestamp: at.UnixMicro()}))
	require.NoError(t, c.ProcessEvent(&event.OpenTrove{
		CommandID:  uuid.New(),
		Owner:      uuid.New(),
		Collateral: fpmath.Units(10),
		NetDebt:    fpmath.Units(500),
		Timestamp:  at,
	}))

	price := <-persistCh
	row, journals := RowsFromOutput(price)
	assert.Equal(t, "PriceUpdate", row.EventType)
	assert.Equal(t, "price_accepted", row.Outcome)
	assert.Empty(t, journals)

	open := <-persistCh
	row, journals = RowsFromOutput(open)
	assert.Equal(t, int64(1), row.Sequence)
	assert.Equal(t, "commands", row.Partition)
	require.Len(t, journals, len(open.Batch.Journals))
	for _, j := range journals {
		assert.Equal(t, int64(1), j.Sequence)
		assert.NotEqual(t, j.DebitAccount, j.CreditAccount)
		assert.NotEmpty(t, j.Amount)
		assert.False(t, strings.Contains(j.Amount, "."), "amount must be a raw integer")
	}

	env, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, open.Envelope.StateHash, env.StateHash)
	assert.Equal(t, open.Envelope.PrevHash, env.PrevHash)
	assert.Equal(t, event.EventTypeOpenTrove, env.EventType)
}

func TestEventRowEnvelope_RejectsUnknownType(t *testing.T) {
	_, err := EventRow{EventType: "Funding", StateHash: make([]byte, 32), PrevHash: make([]byte, 32)}.Envelope()
	assert.Error(t, err)

	_, err = EventRow{EventType: "OpenTrove", StateHash: make([]byte, 31), PrevHash: make([]byte, 32)}.Envelope()
	assert.Error(t, err)
}

func TestIsPermanent(t *testing.T) {
	unique := &pq.Error{Code: "23505"}
	assert.True(t, IsPermanent(unique))
	assert.True(t, IsPermanent(fmt.Errorf("insert: %w", unique)))
	assert.False(t, IsPermanent(&pq.Error{Code: "08006"}))
	assert.False(t, IsPermanent(errors.New("timeout")))
}

func TestMigrationFiles_OrderedAndPending(t *testing.T) {
	files := fstest.MapFS{
		"000002_b.up.sql":   {Data: []byte("SELECT 2")},
		"000001_a.up.sql":   {Data: []byte("SELECT 1")},
		"000001_a.down.sql": {Data: []byte("SELECT -1")},
		"README":            {Data: []byte("x")},
	}
	names, err := listMigrationFiles(files, ".up.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_a.up.sql", "000002_b.up.sql"}, names)

	pending := pendingMigrations(names, map[string]bool{"000001": true})
	assert.Equal(t, []string{"000002_b.up.sql"}, pending)
}

func TestEmbeddedMigrations_Paired(t *testing.T) {
	ups, err := listMigrationFiles(migrations.FS, ".up.sql")
	require.NoError(t, err)
	downs, err := listMigrationFiles(migrations.FS, ".down.sql")
	require.NoError(t, err)
	require.NotEmpty(t, ups)
	require.Len(t, downs, len(ups))
	for i := range ups {
		assert.Equal(t, extractVersion(ups[i]), extractVersion(downs[i]))
	}
}
