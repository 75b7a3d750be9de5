package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/podsight/attribution-engine/internal/aggregation"
	"github.com/podsight/attribution-engine/internal/attribution"
	"github.com/podsight/attribution-engine/internal/config"
	"github.com/podsight/attribution-engine/internal/database"
	"github.com/podsight/attribution-engine/internal/enrich"
	"github.com/podsight/attribution-engine/internal/erasure"
	"github.com/podsight/attribution-engine/internal/httpserver"
	"github.com/podsight/attribution-engine/internal/idempotency"
	"github.com/podsight/attribution-engine/internal/ingest"
	"github.com/podsight/attribution-engine/internal/metrics"
	"github.com/podsight/attribution-engine/internal/middleware"
	"github.com/podsight/attribution-engine/internal/query"
	"github.com/podsight/attribution-engine/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting attribution engine",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run schema migrations before opening the pool.
	if cfg.Migrations.Enabled {
		if err := database.RunMigrations(cfg, logger); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
	}

	// PostgreSQL is the store of record and is required. There is no
	// in-memory fallback; an accepted event must be durable.
	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	defer db.Close()

	redis, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Redis unavailable", zap.Error(err))
	}
	defer redis.Close()

	m := metrics.NewMetrics("attribution")

	// Storage layer
	tenants := storage.NewPostgresTenantRepo(db.Pool)
	campaigns := storage.NewPostgresCampaignRepo(db.Pool)
	events := storage.NewPostgresEventStore(db.Pool)
	records := storage.NewPostgresAttributionStore(db.Pool)
	rollups := storage.NewPostgresRollupStore(db.Pool)
	idem := idempotency.NewRedisStore(redis.Client, m)

	// Optional geo enrichment
	var enricher ingest.Enricher
	if cfg.Geo.Enabled {
		geo, err := enrich.NewGeoEnricher(cfg.Geo.DatabasePath, logger)
		if err != nil {
			logger.Warn("geo enrichment disabled", zap.Error(err))
		} else {
			defer geo.Close()
			enricher = geo
		}
	}

	// Attribution resolver
	resolver := attribution.NewResolver(events, campaigns, records, nil,
		attribution.Config{
			Workers:             cfg.Attribution.Workers,
			QueueSize:           cfg.Attribution.QueueSize,
			PixelLookback:       cfg.Attribution.PixelLookback,
			ConfidenceThreshold: cfg.Attribution.ConfidenceThreshold,
			MaxRetries:          cfg.Attribution.MaxRetries,
			RetryBaseDelay:      cfg.Attribution.RetryBaseDelay,
			SweepInterval:       cfg.Attribution.SweepInterval,
		}, logger, m)
	resolver.Start(ctx)
	defer resolver.Stop()

	// Aggregation scheduler
	scheduler := aggregation.NewScheduler(rollups,
		aggregation.Config{
			RefreshInterval: cfg.Aggregation.RefreshInterval,
			GracePeriod:     cfg.Aggregation.GracePeriod,
		}, logger, m)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("scheduler failed to start", zap.Error(err))
	}
	defer scheduler.Stop()

	// Services
	gateway := ingest.NewGateway(tenants, events, idem, enricher, resolver,
		ingest.Config{
			MaxClockSkew:         cfg.Ingest.MaxClockSkew,
			DefaultRetentionDays: cfg.Ingest.DefaultRetentionDays,
		}, logger, m)
	querySvc := query.NewService(campaigns, rollups, records, events,
		query.Config{
			GracePeriod:         cfg.Aggregation.GracePeriod,
			ConfidenceThreshold: cfg.Attribution.ConfidenceThreshold,
			TouchpointLookback:  cfg.Attribution.PixelLookback,
		}, logger)
	erasureSvc := erasure.NewService(events, records, rollups, scheduler, logger, m)

	// HTTP server
	handler := httpserver.NewServer(&httpserver.Dependencies{
		DB:        db,
		Gateway:   gateway,
		Query:     querySvc,
		Erasure:   erasureSvc,
		Campaigns: campaigns,
		Tenants:   tenants,
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
	})

	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimit.SetMetrics(m)
	auth := middleware.NewAuthMiddleware(cfg.Auth, logger)
	logging := middleware.NewLoggingMiddleware(logger)
	recovery := middleware.NewRecoveryMiddleware(logger)

	handler = recovery.Handler(logging.Handler(rateLimit.Handler(auth.Handler(handler))))

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Periodically export pool stats
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				m.UpdateDBStats(stats.IdleConns(), stats.AcquiredConns(), stats.TotalConns())
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown; stop intake first, then drain the resolver.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
