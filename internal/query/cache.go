package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"TroveLedger/internal/observability"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedReader wraps a Reader with a Redis read-through cache for the
// point lookups. The projection worker invalidates owners it rewrites, and
// the TTL bounds staleness if an invalidation is lost.
type CachedReader struct {
	primary Reader
	rdb     redis.UniversalClient
	ttl     time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ Reader = (*CachedReader)(nil)

func NewCachedReader(primary Reader, rdb redis.UniversalClient, ttl time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *CachedReader {
	return &CachedReader{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger.With().Str("component", "query_cache").Logger(),
	}
}

// --- Read-through ---

func (c *CachedReader) GetTrove(ctx context.Context, owner uuid.UUID) (*TroveResponse, error) {
	var t TroveResponse
	if c.lookup(ctx, "trove", troveKey(owner), &t) {
		return &t, nil
	}
	resp, err := c.primary.GetTrove(ctx, owner)
	if err != nil {
		return nil, err
	}
	c.store(ctx, troveKey(owner), resp)
	return resp, nil
}

func (c *CachedReader) GetDeposit(ctx context.Context, owner uuid.UUID) (*DepositResponse, error) {
	var d DepositResponse
	if c.lookup(ctx, "deposit", depositKey(owner), &d) {
		return &d, nil
	}
	resp, err := c.primary.GetDeposit(ctx, owner)
	if err != nil {
		return nil, err
	}
	c.store(ctx, depositKey(owner), resp)
	return resp, nil
}

func (c *CachedReader) GetPool(ctx context.Context) (*PoolResponse, error) {
	var p PoolResponse
	if c.lookup(ctx, "pool", poolKey, &p) {
		return &p, nil
	}
	resp, err := c.primary.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, poolKey, resp)
	return resp, nil
}

// --- Passthrough (not cached) ---

func (c *CachedReader) GetTroves(ctx context.Context, owners []uuid.UUID) ([]TroveResponse, error) {
	return c.primary.GetTroves(ctx, owners)
}

func (c *CachedReader) GetBalances(ctx context.Context, owner uuid.UUID) (*BalanceResponse, error) {
	return c.primary.GetBalances(ctx, owner)
}

func (c *CachedReader) GetLiquidations(ctx context.Context, owner *uuid.UUID, limit int, beforeSequence *int64) ([]LiquidationRecord, error) {
	return c.primary.GetLiquidations(ctx, owner, limit, beforeSequence)
}

func (c *CachedReader) GetJournalHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	return c.primary.GetJournalHistory(ctx, owner, limit, beforeSequence)
}

func (c *CachedReader) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	return c.primary.VerifyIntegrity(ctx)
}

// InvalidateOwners drops cached troves and deposits of owners, and the pool.
func (c *CachedReader) InvalidateOwners(ctx context.Context, owners []uuid.UUID) error {
	keys := make([]string, 0, 2*len(owners)+1)
	keys = append(keys, poolKey)
	for _, o := range owners {
		keys = append(keys, troveKey(o), depositKey(o))
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// --- Cache helpers ---

func (c *CachedReader) lookup(ctx context.Context, endpoint, key string, dst interface{}) bool {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(data, dst) == nil {
		if c.metrics != nil {
			c.metrics.QueryCacheHits.WithLabelValues(endpoint).Inc()
		}
		return true
	}
	if err != nil && err != redis.Nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache read failed")
	}
	if c.metrics != nil {
		c.metrics.QueryCacheMisses.WithLabelValues(endpoint).Inc()
	}
	return false
}

func (c *CachedReader) store(ctx context.Context, key string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("cache write failed")
	}
}

const poolKey = "trove:query:pool"

func troveKey(owner uuid.UUID) string   { return fmt.Sprintf("trove:query:trove:%s", owner) }
func depositKey(owner uuid.UUID) string { return fmt.Sprintf("trove:query:deposit:%s", owner) }
