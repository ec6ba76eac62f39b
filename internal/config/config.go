package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the configuration shared by the fetcher, aggregator and API binaries.
type Config struct {
	// Redis
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Change feed subscription
	FeedShards    int    `env:"FEED_SHARDS" envDefault:"4"`
	ConsumerGroup string `env:"CONSUMER_GROUP" envDefault:"stddev"`
	ConsumerName  string `env:"CONSUMER_NAME" envDefault:"aggregator-1"`
	BatchSize     int    `env:"BATCH_SIZE" envDefault:"25"`
	RetryAttempts int    `env:"RETRY_ATTEMPTS" envDefault:"3"`
	BisectOnError bool   `env:"BISECT_ON_ERROR" envDefault:"true"`
	RetryBaseMS   int    `env:"RETRY_BASE_MS" envDefault:"200"`
	RetryMaxMS    int    `env:"RETRY_MAX_MS" envDefault:"2000"`
	BlockMS       int    `env:"BLOCK_MS" envDefault:"5000"`

	// Statistic: trailing sample count, 0 for cumulative
	WindowSize int `env:"WINDOW_SIZE" envDefault:"100"`

	// Fetch job
	APIKey           string  `env:"API_KEY"`
	CoinGeckoURL     string  `env:"COINGECKO_URL" envDefault:"https://api.coingecko.com/api/v3/coins/markets"`
	FetchSchedule    string  `env:"FETCH_SCHEDULE" envDefault:"@every 1m"`
	FetchIntervalSec int     `env:"FETCH_INTERVAL_SEC" envDefault:"60"`
	FetchPerPage     int     `env:"FETCH_PER_PAGE" envDefault:"250"`
	FetchRPS         float64 `env:"FETCH_RPS" envDefault:"0.5"`

	// Query API
	APIPort   int `env:"API_PORT" envDefault:"8080"`
	TimeoutMS int `env:"TIMEOUT_MS" envDefault:"500"`

	// Computed durations (not from env)
	RetryBase     time.Duration `env:"-"`
	RetryMax      time.Duration `env:"-"`
	Block         time.Duration `env:"-"`
	FetchInterval time.Duration `env:"-"`

	// Observability
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	PrometheusPort int    `env:"PROMETHEUS_PORT" envDefault:"9091"`
}

// Timeout returns the API request timeout as a time.Duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// LoadFromEnv loads configuration from environment variables, after merging a .env file
// from the working directory when one exists.
func LoadFromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}
	opts := env.Options{
		Prefix: "",
	}

	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	cfg.RetryBase = time.Duration(cfg.RetryBaseMS) * time.Millisecond
	cfg.RetryMax = time.Duration(cfg.RetryMaxMS) * time.Millisecond
	cfg.Block = time.Duration(cfg.BlockMS) * time.Millisecond
	cfg.FetchInterval = time.Duration(cfg.FetchIntervalSec) * time.Second

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.FeedShards < 1 {
		return fmt.Errorf("feed shards must be at least 1, got %d", c.FeedShards)
	}

	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.RetryAttempts)
	}

	if c.RetryBase <= 0 || c.RetryMax < c.RetryBase {
		return fmt.Errorf("retry backoff must satisfy 0 < base <= max, got base=%s max=%s", c.RetryBase, c.RetryMax)
	}

	if c.WindowSize < 0 {
		return fmt.Errorf("window size must be >= 0, got %d", c.WindowSize)
	}

	if c.ConsumerGroup == "" || c.ConsumerName == "" {
		return fmt.Errorf("consumer group and consumer name are required")
	}

	if c.FetchInterval < time.Second {
		return fmt.Errorf("fetch interval must be at least 1 second")
	}

	if c.FetchPerPage < 1 || c.FetchPerPage > 250 {
		return fmt.Errorf("fetch per page must be in [1, 250], got %d", c.FetchPerPage)
	}

	if c.FetchRPS <= 0 {
		return fmt.Errorf("fetch rps must be positive")
	}

	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid port: %d", c.APIPort)
	}

	if c.TimeoutMS < 1 {
		return fmt.Errorf("timeout must be at least 1ms, got %dms", c.TimeoutMS)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

// ValidateFetcher checks the settings only the fetch job needs.
func (c *Config) ValidateFetcher() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY is required for the fetch job")
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
