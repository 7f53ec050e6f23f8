package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TroveLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	QueryFreshnessLag   *prometheus.HistogramVec
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Protocol state ---
	ActiveTroves     prometheus.Gauge
	SystemCollateral prometheus.Gauge
	SystemDebt       prometheus.Gauge
	SystemTCR        prometheus.Gauge
	RecoveryMode     prometheus.Gauge
	OraclePrice      prometheus.Gauge
	PoolDeposits     prometheus.Gauge
	PoolCollateral   prometheus.Gauge
	PoolP            prometheus.Gauge
	PoolEpoch        prometheus.Gauge
	PoolScale        prometheus.Gauge
	DefaultPoolColl  prometheus.Gauge
	DefaultPoolDebt  prometheus.Gauge
	CollateralDust   prometheus.Gauge
	DepositDust      prometheus.Gauge

	// --- Liquidation ---
	LiquidationCalls    *prometheus.CounterVec
	TrovesLiquidated    *prometheus.CounterVec
	DebtOffset          prometheus.Counter
	DebtRedistributed   prometheus.Counter
	CollToStabilityPool prometheus.Counter
	CollRedistributed   prometheus.Counter
	PoolEpochResets     prometheus.Counter
	PoolScaleBumps      prometheus.Counter

	// --- Ingestion & publishing ---
	IngestRateLimited *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	QueryCacheHits    *prometheus.CounterVec
	QueryCacheMisses  *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_apply_to_persist_seconds",
			Help:    "Oldest output in a batch to Postgres commit",
			Buckets: latencyBuckets,
		}),

		QueryFreshnessLag: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_query_freshness_lag_events",
			Help:    "Core sequence minus the projection watermark a query answered from",
			Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"endpoint"}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trove_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Protocol state
		ActiveTroves: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_active_troves",
			Help: "Open troves",
		}),

		SystemCollateral: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_system_collateral",
			Help: "Active plus default pool collateral (whole units)",
		}),

		SystemDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_system_debt",
			Help: "Active plus default pool debt (whole units)",
		}),

		SystemTCR: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_system_tcr",
			Help: "Total collateral ratio at the last accepted price",
		}),

		RecoveryMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_recovery_mode",
			Help: "1 while TCR is below CCR",
		}),

		OraclePrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_oracle_price",
			Help: "Last accepted collateral price",
		}),

		PoolDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_deposits",
			Help: "Total stability pool deposits (whole units)",
		}),

		PoolCollateral: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_collateral",
			Help: "Unclaimed collateral gains held by the pool",
		}),

		PoolP: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_p",
			Help: "Running product P (fraction of Unit)",
		}),

		PoolEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_epoch",
			Help: "Current pool epoch",
		}),

		PoolScale: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_stability_pool_scale",
			Help: "Current pool scale",
		}),

		DefaultPoolColl: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_default_pool_collateral",
			Help: "Redistributed collateral not yet applied to troves",
		}),

		DefaultPoolDebt: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_default_pool_debt",
			Help: "Redistributed debt not yet applied to troves",
		}),

		CollateralDust: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_collateral_dust",
			Help: "System collateral minus the sum of trove claims",
		}),

		DepositDust: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_deposit_dust",
			Help: "Pool deposits minus the sum of compounded deposits",
		}),

		// Liquidation
		LiquidationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_liquidation_calls_total",
			Help: "Liquidation commands by mode and outcome",
		}, []string{"mode", "outcome"}),

		TrovesLiquidated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_troves_liquidated_total",
			Help: "Troves closed by liquidation",
		}, []string{"mode"}),

		DebtOffset: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_liquidation_debt_offset_total",
			Help: "Debt absorbed by the stability pool (whole units)",
		}),

		DebtRedistributed: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_liquidation_debt_redistributed_total",
			Help: "Debt redistributed to active troves (whole units)",
		}),

		CollToStabilityPool: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_liquidation_coll_to_pool_total",
			Help: "Collateral sent to the stability pool",
		}),

		CollRedistributed: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_liquidation_coll_redistributed_total",
			Help: "Collateral redistributed to active troves",
		}),

		PoolEpochResets: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_stability_pool_epoch_resets_total",
			Help: "Offsets that emptied the pool",
		}),

		PoolScaleBumps: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_stability_pool_scale_bumps_total",
			Help: "Offsets that rescaled P",
		}),

		// Ingestion & publishing
		IngestRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_ingest_rate_limited_total",
			Help: "Commands refused by the ingest rate limiter",
		}, []string{"source"}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_publish_errors_total",
			Help: "Outbound publish failures",
		}, []string{"sink"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_cache_hits_total",
			Help: "Redis cache hits",
		}, []string{"endpoint"}),

		QueryCacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_cache_misses_total",
			Help: "Redis cache misses",
		}, []string{"endpoint"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "trove_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "trove_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "trove_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trove_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trove_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
