package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricing/internal/aggregator"
	"pricing/internal/batch"
	"pricing/internal/config"
	"pricing/internal/consumer"
	"pricing/internal/deadletter"
	"pricing/internal/instrumentation"
	"pricing/internal/pricestore"
	"pricing/internal/redisconn"
)

// deadLetterMaxLen caps the dead-letter stream.
const deadLetterMaxLen = 100_000

func main() {
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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("aggregator_service_starting",
		"redis_url", cfg.RedisURL,
		"feed_shards", cfg.FeedShards,
		"consumer_group", cfg.ConsumerGroup,
		"consumer_name", cfg.ConsumerName,
		"batch_size", cfg.BatchSize,
		"retry_attempts", cfg.RetryAttempts,
		"bisect_on_error", cfg.BisectOnError,
		"window_size", cfg.WindowSize,
	)

	client, err := redisconn.Open(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	metrics := instrumentation.NewMetrics(nil)
	metricsSrv := instrumentation.StartServer(cfg.PrometheusPort, logger)

	prices := pricestore.New(client, cfg.FeedShards, logger)
	store := aggregator.NewRedisStore(client, logger)
	tracker := batch.New(client, logger)
	sink := deadletter.NewRedisSink(client, deadLetterMaxLen, logger)

	policy := consumer.Policy{
		Attempts: cfg.RetryAttempts,
		Bisect:   cfg.BisectOnError,
		Base:     cfg.RetryBase,
		Max:      cfg.RetryMax,
	}
	streamCfg := consumer.StreamConfig{
		ConsumerGroup: cfg.ConsumerGroup,
		ConsumerName:  cfg.ConsumerName,
		Block:         cfg.Block,
		Count:         int64(cfg.BatchSize),
	}

	// One single-writer aggregator per shard; a pair always maps to the same shard.
	workers := make([]*consumer.Worker, 0, cfg.FeedShards)
	for shard := 0; shard < cfg.FeedShards; shard++ {
		agg := aggregator.New(shard, cfg.WindowSize, prices, store, tracker, logger, metrics)
		processor := consumer.NewProcessor(shard, agg, sink, policy, logger, metrics)
		stream := consumer.NewStream(client, shard, streamCfg, logger)
		workers = append(workers, consumer.NewWorker(stream, processor, logger, metrics))
	}
	cons := consumer.New(workers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("aggregator_service_running", "status", "healthy")

	if err := cons.Run(ctx); err != nil {
		logger.Error("consumer_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics_shutdown_error", "error", err)
	}

	logger.Info("aggregator_service_stopped")
}
