package query_test

import (
	"context"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/query"
	"TroveLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func liveAfterScenario(t *testing.T) *query.LiveReader {
	t.Helper()
	c, _ := testutil.NewCore(t)
	r, inbound := testutil.StartRunner(t, c)

	var s testutil.Script
	events := s.Scenario()
	for _, evt := range events {
		inbound <- evt
	}
	waitFor(t, r, int64(len(events)))
	return query.NewLiveReader(r)
}

func waitFor(t *testing.T, r *core.Runner, seq int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for r.Sequence() < seq {
		if time.Now().After(deadline) {
			t.Fatalf("runner stuck at %d, want %d", r.Sequence(), seq)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLiveReader_TroveIncludesPendingRewards(t *testing.T) {
	lr := liveAfterScenario(t)
	ctx := context.Background()

	whale, err := lr.Trove(ctx, testutil.ID("whale"))
	require.NoError(t, err)
	assert.Equal(t, "Active", whale.Status)
	assert.False(t, whale.PendingDebt.IsZero(), "whale absorbs the redistributed debt")
	assert.True(t, whale.Debt.Gt(whale.PendingDebt))
	assert.False(t, whale.ICR.IsZero())
	assert.Equal(t, int64(7), whale.Sequence)

	dave, err := lr.Trove(ctx, testutil.ID("dave"))
	require.NoError(t, err)
	assert.Equal(t, "ClosedByLiquidation", dave.Status)
	assert.True(t, dave.Debt.IsZero())

	_, err = lr.Trove(ctx, testutil.ID("nobody"))
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestLiveReader_DepositAfterPoolEmptied(t *testing.T) {
	lr := liveAfterScenario(t)

	d, err := lr.Deposit(context.Background(), testutil.ID("sally"))
	require.NoError(t, err)
	assert.True(t, d.Compounded.IsZero(), "an emptying offset wipes every deposit")
	assert.False(t, d.Gain.IsZero())

	_, err = lr.Deposit(context.Background(), testutil.ID("whale"))
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestLiveReader_System(t *testing.T) {
	lr := liveAfterScenario(t)

	sys, err := lr.System(context.Background())
	require.NoError(t, err)
	assert.False(t, sys.RecoveryMode)
	assert.Equal(t, 1, sys.Pool.ActiveTroves)
	assert.Equal(t, uint64(1), sys.Pool.Epoch)
	assert.False(t, sys.TCR.IsZero())
}

func TestLiveReader_HonoursContext(t *testing.T) {
	c, _ := testutil.NewCore(t)
	r := core.NewRunner(c, nil, nil, zerolog.Nop()) // never started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := query.NewLiveReader(r).System(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
