// Package main runs the payment verification and expiration engine together
// with its operational API server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/payment-verifier/internal/api"
	"github.com/payment-verifier/internal/config"
	"github.com/payment-verifier/internal/engine"
	"github.com/payment-verifier/internal/logging"
	"github.com/payment-verifier/internal/matcher"
	"github.com/payment-verifier/internal/metrics"
	"github.com/payment-verifier/internal/pricing"
	"github.com/payment-verifier/internal/provider"
	"github.com/payment-verifier/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.NewLogger(logging.LevelError, logging.FormatText).Errorf("failed to load config: %v", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("engine exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer postgres.Close()

	var redisCache *storage.RedisCache
	if cache, err := storage.NewRedisCache(&cfg.Database.Redis); err != nil {
		// Degraded but functional: rates fall back to live fetch + static table
		logger.WithError(err).Warn("redis unavailable, rate caching disabled")
	} else {
		redisCache = cache
		defer redisCache.Close()
	}

	var audit engine.AuditSink
	if cfg.Database.ClickHouse.Host != "" {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("clickhouse unavailable, resolution audit trail disabled")
		} else {
			defer clickhouse.Close()
			audit = storage.NewAuditRepository(clickhouse)
		}
	}

	// Providers
	transferProvider, err := provider.NewAlchemyClient(&provider.AlchemyClientConfig{
		Networks: cfg.Networks,
		Timeout:  cfg.Verification.ProviderTimeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer transferProvider.Close()

	rates := pricing.NewService(&pricing.ServiceConfig{
		Endpoint: cfg.Rates.Endpoint,
		Timeout:  cfg.Rates.Timeout,
		Cache:    redisCache,
		CacheTTL: cfg.Rates.CacheTTL,
		Logger:   logger,
	})

	// Engine
	paymentRepo := storage.NewPaymentRepository(postgres)
	metricRepo := storage.NewDailyMetricRepository(postgres)
	aggregator := metrics.NewAggregator(metricRepo, rates, logger)
	transferMatcher := matcher.NewTransferMatcher(transferProvider, logger)
	stats := engine.NewStatsTracker(cfg.Verification.ErrorLogSize)

	verifier, err := engine.NewVerificationEngine(&engine.Config{
		Payments:     paymentRepo,
		Matcher:      transferMatcher,
		Recorder:     aggregator,
		Audit:        audit,
		Stats:        stats,
		Logger:       logger,
		ExpiryWindow: cfg.Verification.ExpiryWindow,
		RecentWindow: cfg.Verification.RecentWindow,
		TolerancePct: cfg.Verification.TolerancePct,
		Workers:      cfg.Verification.Workers,
		BatchLimit:   cfg.Verification.BatchLimit,
	})
	if err != nil {
		return err
	}

	scheduler, err := engine.NewScheduler(verifier, cfg.Verification.PollInterval, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	// Operational API
	var redisHealth api.HealthChecker
	if redisCache != nil {
		redisHealth = redisCache
	}
	server := api.NewServer(
		&api.ServerConfig{Host: cfg.Server.Host, Port: cfg.Server.Port},
		scheduler,
		stats,
		postgres,
		redisHealth,
		logger,
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("api server failed")
		}
	}

	// Stop scheduling; in-flight cycle work is allowed to finish
	scheduler.Stop()
	<-scheduler.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("api server shutdown failed")
	}

	logger.Info("engine stopped")
	return nil
}
