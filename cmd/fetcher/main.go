package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricing/internal/batch"
	"pricing/internal/config"
	"pricing/internal/fetcher"
	"pricing/internal/instrumentation"
	"pricing/internal/pricestore"
	"pricing/internal/redisconn"
)

func main() {
	once := flag.Bool("once", false, "run a single fetch cycle and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateFetcher(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("fetcher_service_starting",
		"redis_url", cfg.RedisURL,
		"schedule", cfg.FetchSchedule,
		"interval_sec", cfg.FetchIntervalSec,
		"feed_shards", cfg.FeedShards,
		"once", *once,
	)

	client, err := redisconn.Open(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	metrics := instrumentation.NewMetrics(nil)

	source := fetcher.NewClient(cfg.CoinGeckoURL, cfg.APIKey, cfg.FetchPerPage, cfg.FetchRPS, logger)
	job := fetcher.NewJob(
		source,
		pricestore.New(client, cfg.FeedShards, logger),
		batch.New(client, logger),
		cfg.FetchInterval,
		logger,
		metrics,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		if _, err := job.RunCycle(ctx, time.Now()); err != nil {
			logger.Error("fetch_cycle_failed", "error", err)
			os.Exit(1)
		}
		return
	}

	metricsSrv := instrumentation.StartServer(cfg.PrometheusPort, logger)

	if err := job.Schedule(ctx, cfg.FetchSchedule); err != nil {
		logger.Error("fetch_job_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics_shutdown_error", "error", err)
	}

	logger.Info("fetcher_service_stopped")
}
