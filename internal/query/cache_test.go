package query_test

import (
	"context"
	"testing"
	"time"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/query"
	"TroveLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingReader serves fixed troves and counts primary reads.
type countingReader struct {
	query.Reader
	troveReads int
}

func (r *countingReader) GetTrove(_ context.Context, owner uuid.UUID) (*query.TroveResponse, error) {
	r.troveReads++
	return &query.TroveResponse{Owner: owner, Status: "Active", Debt: fpmath.Units(100), AsOfSequence: 9}, nil
}

func (r *countingReader) GetPool(context.Context) (*query.PoolResponse, error) {
	return nil, query.ErrNotFound
}

func counter(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCachedReader_FallsThroughWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	primary := &countingReader{}
	cached := query.NewCachedReader(primary, rdb, time.Minute, metrics, zerolog.Nop())

	owner := testutil.ID("whale")
	got, err := cached.GetTrove(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, owner, got.Owner)
	assert.Equal(t, 1, primary.troveReads)
	assert.Equal(t, 1.0, counter(t, metrics.QueryCacheMisses.WithLabelValues("trove")))

	_, err = cached.GetPool(context.Background())
	assert.ErrorIs(t, err, query.ErrNotFound, "primary errors pass through")
}

func TestCachedReader_ServesFromRedis(t *testing.T) {
	testutil.RequireIntegration(t)
	rdb := redis.NewClient(&redis.Options{Addr: testutil.TestRedisAddr()})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("test redis not available: %v", err)
	}

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	primary := &countingReader{}
	cached := query.NewCachedReader(primary, rdb, time.Minute, metrics, zerolog.Nop())
	ctx := context.Background()
	owner := uuid.New()

	first, err := cached.GetTrove(ctx, owner)
	require.NoError(t, err)
	second, err := cached.GetTrove(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, primary.troveReads)
	assert.True(t, first.Debt.Eq(second.Debt), "amounts survive the cache round trip")
	assert.Equal(t, 1.0, counter(t, metrics.QueryCacheHits.WithLabelValues("trove")))

	require.NoError(t, cached.InvalidateOwners(ctx, []uuid.UUID{owner}))
	_, err = cached.GetTrove(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 2, primary.troveReads, "invalidated owners are reloaded")
}
