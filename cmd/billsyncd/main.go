// Command billsyncd runs the billing synchronization service: the
// webhook endpoint, the user action API, reporting, and the health and
// metrics listener.
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/billsync/billsync/pkg/actions"
	"github.com/billsync/billsync/pkg/api"
	"github.com/billsync/billsync/pkg/async"
	"github.com/billsync/billsync/pkg/config"
	"github.com/billsync/billsync/pkg/events"
	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/reports"
	"github.com/billsync/billsync/pkg/storage"
	"github.com/billsync/billsync/pkg/sync"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting billsyncd")

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

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = storage.NewRedisClient(cfg.Redis.URL)
		if err != nil {
			logger.WithError(err).Error("failed to connect to redis")
			os.Exit(1)
		}
		defer redisClient.Close()
	} else {
		logger.Warn("redis not configured, caching in process only")
	}

	cache := storage.NewCustomerCache(redisClient, cfg.Redis.CacheSize, cfg.Redis.CacheTTL)
	store := storage.New(db, cache)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	client := processor.NewStripeClient(cfg.Processor.APIKey)
	syncer := sync.New(store, client, logger, metrics)
	eventProcessor := events.New(store, syncer, client, logger, metrics, cfg.Processor.WebhookSecret)
	actionService := actions.New(store, client, syncer, logger, metrics)
	reportService := reports.New(db, logger, redisClient, cfg.Redis.CacheTTL)

	server := api.NewServer(store, eventProcessor, actionService, reportService, syncer, logger, metrics)

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate listener for probes and scrapes.
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.HealthCheck(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	statsCtx, stopStats := context.WithCancel(context.Background())
	var lastCache storage.CacheStats
	async.Periodic(statsCtx, logger, 15*time.Second, "stats", func(ctx context.Context) error {
		metrics.UpdateDBStats(db)

		stats := cache.Stats()
		metrics.CacheHitsTotal.WithLabelValues("customer").Add(float64(stats.Hits - lastCache.Hits))
		metrics.CacheMissesTotal.WithLabelValues("customer").Add(float64(stats.Misses - lastCache.Misses))
		lastCache = stats

		active, canceled, err := store.SubscriptionStatusCounts(ctx)
		if err != nil {
			return err
		}
		metrics.SubscriptionsActive.Set(float64(active))
		metrics.SubscriptionsCanceled.Set(float64(canceled))
		return nil
	})

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health listener started")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health listener failed")
		}
	}()

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("API listener started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("API listener failed")
			os.Exit(1)
		}
	}()

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopStats()
		return healthServer.Shutdown(ctx)
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
}
