package persistence_test

import (
	"context"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/testutil"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_VerifiesAgainstEventLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	c, outputs := testutil.NewCore(t)
	var s testutil.Script
	testutil.Apply(t, c, s.Scenario()...)

	in := make(chan core.CoreOutput, 16)
	for _, out := range testutil.Drain(outputs) {
		in <- out
	}
	close(in)
	worker := persistence.NewPersistenceWorker(db, in, 100, 10*time.Millisecond, nil, zerolog.Nop())
	require.NoError(t, worker.Run(ctx))

	sm := persistence.NewSnapshotManager(db, nil)
	last, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), last)

	snap := c.CreateSnapshotState()
	verified, err := sm.Checkpoint(ctx, snap, time.Second)
	require.NoError(t, err)
	assert.True(t, verified)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)
	assert.Equal(t, snap.StateHash, loaded.StateHash)

	restored, err := core.NewDeterministicCore(0, nil, nil, core.Options{Params: testutil.Params()})
	require.NoError(t, err)
	require.NoError(t, restored.RestoreFromSnapshot(loaded))
	assert.Equal(t, c.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, c.GetSequence(), restored.GetSequence())
}

func TestCheckpoint_AheadOfLogStaysUnverified(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	c, _ := testutil.NewCore(t)
	var s testutil.Script
	testutil.Apply(t, c, s.Scenario()...)

	sm := persistence.NewSnapshotManager(db, nil)
	verified, err := sm.Checkpoint(ctx, c.CreateSnapshotState(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, verified)

	loaded, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "unverified snapshots are never restored")
}
