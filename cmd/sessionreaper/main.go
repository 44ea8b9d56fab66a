package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworks/sessiond/internal/config"
	"github.com/agentworks/sessiond/internal/db"
	"github.com/agentworks/sessiond/internal/idle"
	"github.com/agentworks/sessiond/internal/log"
	"github.com/agentworks/sessiond/internal/sink"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.DurationVar(&cfg.IdleWarnAfter, "warn-after", cfg.IdleWarnAfter, "idle duration before the one-time warning")
	flag.DurationVar(&cfg.IdleStopAfter, "stop-after", cfg.IdleStopAfter, "idle duration before forced stop")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "time between idle sweeps")
	flag.DurationVar(&cfg.RetentionInterval, "retention-interval", cfg.RetentionInterval, "time between retention purges")
	flag.Parse()

	log.Configure(log.Config{Service: "sessionreaper"})
	logger := log.Base()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath, cfg.SessionTTL)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	monitor := idle.NewMonitor(
		store,
		sink.NewLogSink(log.WithComponent("notifier")),
		idle.NewHTTPReclaimer(log.WithComponent("reclaimer")),
		cfg.IdleWarnAfter,
		cfg.IdleStopAfter,
		log.WithComponent("monitor"),
	)

	startRetentionLoop(ctx, store, cfg, logger)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	logger.Info().Dur("sweep_interval", cfg.SweepInterval).Msg("idle sweep started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := monitor.Tick(ctx, time.Now().UTC()); err != nil {
				logger.Warn().Err(err).Msg("idle sweep failed")
			}
		}
	}
}

func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config, logger zerolog.Logger) {
	run := func() {
		deleted, err := store.PurgeExpired(ctx, time.Now().UTC())
		if err != nil {
			logger.Warn().Err(err).Msg("retention purge failed")
			return
		}
		if deleted > 0 {
			logger.Info().Int64("deleted", deleted).Msg("expired sessions purged")
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(cfg.RetentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "sessionreaper: %v\n", err)
	os.Exit(1)
}
