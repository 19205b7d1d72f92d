// Command billsync-syncer reconciles the local mirror against the
// payment processor: on a cron schedule, or once with --run-once for
// backfills and manual repair.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/billsync/billsync/pkg/config"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

var (
	runOnce     = flag.Bool("run-once", false, "Run a full sync once and exit")
	syncTimeout = flag.Duration("timeout", 2*time.Hour, "Timeout for one full sync run")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Open(cfg.Database)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := storage.Migrate(migrateCtx, db); err != nil {
		logger.WithError(err).Error("failed to apply migrations")
		os.Exit(1)
	}

	store := storage.New(db, nil)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := processor.NewStripeClient(cfg.Processor.APIKey)
	syncer := sync.New(store, client, logger, metrics)

	if *runOnce {
		if err := runFullSync(syncer, logger, *syncTimeout); err != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(cfg.Sync.Schedule, func() {
		runFullSync(syncer, logger, *syncTimeout)
	})
	if err != nil {
		logger.WithError(err).Error("invalid sync schedule")
		os.Exit(1)
	}

	c.Start()
	logger.WithField("schedule", cfg.Sync.Schedule).Info("syncer started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	<-c.Stop().Done()
}

func runFullSync(syncer *sync.Syncer, logger *observability.Logger, timeout time.Duration) error {
	defer observability.RecoverPanic(logger, "full sync")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	logger.Info("full sync started")
	if err := syncer.All(ctx); err != nil {
		logger.WithError(err).Error("full sync failed")
		return err
	}
	logger.WithField("duration", time.Since(start).String()).Info("full sync complete")
	return nil
}
