package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"TroveLedger/internal/config"
	"TroveLedger/internal/core"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/persistence"
	"TroveLedger/internal/projection"
	"TroveLedger/migrations"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|rebuild-projections>")
	fmt.Fprintln(os.Stderr, "  up                   apply all pending migrations")
	fmt.Fprintln(os.Stderr, "  down                 roll back the last migration")
	fmt.Fprintln(os.Stderr, "  rebuild-projections  truncate projections and replay the event log")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Environment overrides use the TROVE_ prefix, e.g. TROVE_POSTGRES_DSN.")
}

func main() {
	configPath := flag.String("config", os.Getenv("TROVE_CONFIG"), "path to a YAML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger("migrate", cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, migrations.FS, logger)

	switch cmd := flag.Arg(0); cmd {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "rebuild-projections":
		params, err := cfg.Params()
		if err != nil {
			logger.Fatal().Err(err).Msg("protocol params")
		}
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		opts := core.Options{
			Params:               params,
			IdempotencyCapacity:  cfg.Core.IdempotencyCapacity,
			ConservationInterval: cfg.Core.ConservationInterval,
			Logger:               &logger,
		}
		source := persistence.NewSnapshotManager(db, nil)
		n, err := projection.RebuildProjections(ctx, db, source, opts, nil, logger)
		if err != nil {
			logger.Fatal().Err(err).Int64("replayed", n).Msg("rebuild projections")
		}
		logger.Info().Int64("replayed", n).Msg("projections rebuilt")

	default:
		logger.Error().Str("command", cmd).Msg("unknown command")
		usage()
		os.Exit(2)
	}
}
