package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricing/internal/aggregator"
	"pricing/internal/api"
	"pricing/internal/batch"
	"pricing/internal/config"
	"pricing/internal/deadletter"
	"pricing/internal/pricestore"
	"pricing/internal/redisconn"
)

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

	logger.Info("api_service_starting",
		"port", cfg.APIPort,
		"timeout_ms", cfg.TimeoutMS,
		"redis_url", cfg.RedisURL,
	)

	client, err := redisconn.Open(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	router := api.NewRouter(api.Stores{
		Prices:      pricestore.New(client, cfg.FeedShards, logger),
		Dispersion:  aggregator.NewRedisStore(client, logger),
		Batches:     batch.New(client, logger),
		DeadLetters: deadletter.NewRedisSink(client, 0, logger),
		Ping:        func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}, cfg.Timeout(), logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api_server_listening", "port", cfg.APIPort, "status", "healthy")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	// Graceful shutdown
	logger.Info("shutdown_signal_received", "signal", sig.String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server_shutdown_error", "error", err)
	}

	logger.Info("api_service_stopped")
}
