package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TroveLedger/internal/config"
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/internal/query"
	"TroveLedger/internal/server"
	"TroveLedger/migrations"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("TROVE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger("troveledger", cfg.Log)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("troveledger stopped")
	}
	logger.Info().Msg("troveledger shutdown complete")
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := cfg.Params()
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if err := persistence.NewMigrator(db, migrations.FS, logger).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()
	health.Register("postgres", db.PingContext)

	// --- Core recovery ---
	persistCh := make(chan core.CoreOutput, cfg.Channels.Persist)
	projectionCh := make(chan core.CoreOutput, cfg.Channels.Projection)
	publishCh := make(chan core.CoreOutput, cfg.Channels.Publish)

	snapMgr := persistence.NewSnapshotManager(db, metrics)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)
	coreLogger := logger.With().Str("component", "core").Logger()
	opts := core.Options{
		Params:               params,
		IdempotencyCapacity:  cfg.Core.IdempotencyCapacity,
		ConservationInterval: cfg.Core.ConservationInterval,
		DBChecker:            dbChecker,
		Metrics:              metrics,
		Logger:               &coreLogger,
	}
	c, err := recoverCore(ctx, snapMgr, dbChecker, persistCh, projectionCh, opts, cfg.Core.WarmKeys, metrics, logger)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	inbound := make(chan event.Event, cfg.Channels.Inbound)
	submissions := make(chan core.Submission)
	runner := core.NewRunner(c, inbound, submissions, logger)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return fmt.Errorf("nats streams: %w", err)
	}
	health.Register("nats", func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	// --- Outbound sinks ---
	sinks := []ingestion.Sink{ingestion.NewJetStreamSink(js)}
	if len(cfg.Kafka.Brokers) > 0 {
		kcfg := ingestion.DefaultKafkaConfig(cfg.Kafka.Brokers)
		kcfg.Topic = cfg.Kafka.Topic
		kafkaSink, err := ingestion.NewKafkaSink(kcfg, metrics, logger)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		sinks = append(sinks, kafkaSink)
	}
	publisher := ingestion.NewOutboundPublisher(publishCh, sinks, metrics, logger)

	// --- Workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistCh, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, logger)
	persistWorker.PublishTo(publishCh)
	projWorker := projection.NewProjectionWorker(db, projectionCh, metrics, logger)

	// --- Query side ---
	var reader query.Reader = query.NewQueryService(db)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cached := query.NewCachedReader(reader, rdb, cfg.Cache.TTL, metrics, logger)
		projWorker.InvalidateWith(cached)
		reader = cached
		health.Register("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	ingest, err := ingestion.NewAdminIngestService(submissions, cfg.NodeID,
		ingestion.RateLimit{PerSecond: cfg.Admin.RatePerSecond, Burst: cfg.Admin.Burst}, metrics, logger)
	if err != nil {
		return err
	}
	svc := server.NewLedgerService(server.Deps{
		Reader:    reader,
		Live:      query.NewLiveReader(runner),
		Ingest:    ingest,
		Runner:    runner,
		Snapshots: snapMgr,
		Metrics:   metrics,
		Logger:    logger,
	})
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, svc, metrics, logger)
	gateway, err := server.NewGateway(svc, health, prometheus.DefaultGatherer, metrics, logger)
	if err != nil {
		return err
	}

	// --- Start ---
	// Output workers outlive ctx: they stop once the core's channels are
	// closed and drained.
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	errChan := make(chan error, 8)

	persistDone := make(chan error, 1)
	go func() { persistDone <- persistWorker.Run(drainCtx) }()
	projDone := make(chan error, 1)
	go func() { projDone <- projWorker.Run(drainCtx) }()
	publishDone := make(chan error, 1)
	go func() { publishDone <- publisher.Run(drainCtx) }()

	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	rawCh := make(chan ingestion.RawEvent, cfg.Channels.Raw)
	subscriber := ingestion.NewNATSSubscriber(js, rawCh, logger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	go ingestion.RunParser(ctx, rawCh, inbound, metrics, logger)

	go func() { errChan <- grpcServer.Start(ctx) }()
	go func() { errChan <- gateway.Start(ctx, cfg.HTTPAddr) }()
	go runSnapshots(ctx, runner, snapMgr, cfg.Snapshot, logger)
	go monitorChannels(ctx, metrics, map[string]func() (int, int){
		"raw":        func() (int, int) { return len(rawCh), cap(rawCh) },
		"inbound":    func() (int, int) { return len(inbound), cap(inbound) },
		"persist":    func() (int, int) { return len(persistCh), cap(persistCh) },
		"projection": func() (int, int) { return len(projectionCh), cap(projectionCh) },
		"publish":    func() (int, int) { return len(publishCh), cap(publishCh) },
	})

	health.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Int64("sequence", runner.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Int("sinks", len(sinks)).
		Msg("troveledger ready")

	// --- Wait ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errChan:
		if err != nil {
			runErr = err
			logger.Error().Err(err).Msg("server failed, shutting down")
		}
	case err := <-persistDone:
		// The log cannot be written. The runner may be blocked on the persist
		// channel, so exit without draining.
		return fmt.Errorf("persistence: %w", err)
	}

	// --- Graceful shutdown ---
	// Stop intake, let the core finish, then drain its outputs in order:
	// persistence first, since publishing follows it.
	stop()
	health.SetReady(false)
	grpcServer.SetServing(false)
	subscriber.Stop()
	<-runnerDone

	final := c.CreateSnapshotState()
	close(persistCh)
	if err := <-persistDone; err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	close(publishCh)
	close(projectionCh)
	<-publishDone
	<-projDone

	if final.Sequence >= 0 {
		snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		verified, err := snapMgr.Checkpoint(snapCtx, final, time.Second)
		switch {
		case err != nil:
			logger.Error().Err(err).Msg("final snapshot failed")
		case !verified:
			logger.Warn().Int64("sequence", final.Sequence).Msg("final snapshot not verified")
		default:
			logger.Info().Int64("sequence", final.Sequence).Msg("final snapshot saved")
		}
	}
	return runErr
}

// recoverCore restores the newest verified snapshot, if any, and replays
// the event log after it. Every replayed event must reproduce its logged
// state hash.
func recoverCore(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	dbChecker *persistence.PostgresIdempotencyChecker,
	persistCh, projectionCh chan<- core.CoreOutput,
	opts core.Options,
	warmKeys int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*core.DeterministicCore, error) {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	c, err := core.NewDeterministicCore(0, persistCh, projectionCh, opts)
	if err != nil {
		return nil, err
	}

	if snap != nil {
		// Top up the dedup cache when the snapshot holds fewer keys than
		// configured, e.g. after raising the cache size.
		if len(snap.IdempotencyKeys) < warmKeys {
			keys, err := dbChecker.LoadRecentKeys(ctx, warmKeys)
			if err != nil {
				return nil, fmt.Errorf("load recent keys: %w", err)
			}
			c.WarmLRU(keys)
		}
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return nil, err
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot, replaying from sequence 0")
	}

	const pageSize = 1000
	var replayed int64
	for {
		envelopes, err := snapMgr.LoadEventsFrom(ctx, c.GetSequence(), pageSize)
		if err != nil {
			return nil, fmt.Errorf("load events from seq %d: %w", c.GetSequence(), err)
		}
		if len(envelopes) == 0 {
			break
		}
		for _, env := range envelopes {
			if err := c.ReplayEvent(env); err != nil {
				return nil, err
			}
		}
		replayed += int64(len(envelopes))
	}

	metrics.ReplayDuration.Set(time.Since(start).Seconds())
	logger.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", c.GetSequence()).
		Hex("state_hash", hashBytes(c.GetStateHash())).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return c, nil
}

func hashBytes(h [32]byte) []byte { return h[:] }

// runSnapshots checkpoints the core whenever enough events have been
// applied since the last snapshot, then prunes old ones.
func runSnapshots(ctx context.Context, runner *core.Runner, snapMgr *persistence.SnapshotManager, cfg config.SnapshotConfig, logger zerolog.Logger) {
	logger = logger.With().Str("component", "snapshots").Logger()
	ticker := time.NewTicker(cfg.CheckEvery)
	defer ticker.Stop()

	last := runner.Sequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if runner.Sequence()-last < cfg.Interval {
			continue
		}

		snap, err := runner.Snapshot(ctx)
		if err != nil {
			continue
		}
		verified, err := snapMgr.Checkpoint(ctx, snap, cfg.CheckEvery)
		if err != nil {
			logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("snapshot failed")
			continue
		}
		last = snap.Sequence + 1
		if !verified {
			logger.Warn().Int64("sequence", snap.Sequence).Msg("snapshot not yet verified")
			continue
		}
		pruned, err := snapMgr.PruneSnapshots(ctx, cfg.Keep)
		if err != nil {
			logger.Warn().Err(err).Msg("prune snapshots")
		}
		logger.Info().Int64("sequence", snap.Sequence).Int64("pruned", pruned).Msg("snapshot taken")
	}
}

// monitorChannels samples channel depths for the backpressure gauges.
func monitorChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]func() (int, int)) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sample := range channels {
				size, capacity := sample()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}
