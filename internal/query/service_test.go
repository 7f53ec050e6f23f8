package query_test

import (
	"context"
	"testing"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"
	"TroveLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryService_ReadsProjections(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	c, outputs := testutil.NewCore(t)
	var s testutil.Script
	testutil.Apply(t, c, s.Scenario()...)

	worker := projection.NewProjectionWorker(db, nil, nil, zerolog.Nop())
	for _, out := range testutil.Drain(outputs) {
		require.NoError(t, worker.Apply(ctx, out))
	}

	qs := query.NewQueryService(db)

	whale, err := qs.GetTrove(ctx, testutil.ID("whale"))
	require.NoError(t, err)
	assert.Equal(t, "Active", whale.Status)
	assert.Equal(t, int64(6), whale.AsOfSequence)

	troves, err := qs.GetTroves(ctx, []uuid.UUID{testutil.ID("whale"), testutil.ID("dave"), uuid.New()})
	require.NoError(t, err)
	assert.Len(t, troves, 2)

	pool, err := qs.GetPool(ctx)
	require.NoError(t, err)
	assert.True(t, pool.TotalDeposits.IsZero())
	assert.Equal(t, uint64(1), pool.Epoch)
	assert.True(t, pool.Price.Eq(fpmath.Units(100)))

	liqs, err := qs.GetLiquidations(ctx, nil, 10, nil)
	require.NoError(t, err)
	require.Len(t, liqs, 1)
	assert.Equal(t, testutil.ID("dave"), liqs[0].Owner)
	assert.Equal(t, "batch", liqs[0].Mode)

	balances, err := qs.GetBalances(ctx, testutil.ID("sally"))
	require.NoError(t, err)
	assert.NotEmpty(t, balances.Accounts)

	report, err := qs.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy, "projected balances net to zero per asset")
}

func TestQueryService_UnknownTrove(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	_, err := query.NewQueryService(db).GetTrove(context.Background(), uuid.New())
	assert.ErrorIs(t, err, query.ErrNotFound)
}
