// Package api is the read-only HTTP query surface over the price and aggregate stores.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Stores groups the readers the API serves from.
type Stores struct {
	Prices      PriceReader
	Dispersion  DispersionReader
	Batches     BatchReader
	DeadLetters DeadLetterReader
	Ping        func(ctx context.Context) error
}

// NewRouter builds the API routes:
//
//	GET /health
//	GET /coin-pairs?limit=N
//	GET /coin-pairs/{pair}?history=N
//	GET /batches/latest
//	GET /batches/{batch}/ranking?limit=N
//	GET /dead-letters?limit=N
func NewRouter(stores Stores, timeout time.Duration, logger *slog.Logger) http.Handler {
	pairs := NewPairsHandler(stores.Prices, stores.Dispersion, logger)
	batches := NewBatchesHandler(stores.Batches, stores.Dispersion, logger)

	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(timeout, logger))
	r.Use(CORSMiddleware)

	r.Get("/health", HealthCheckHandler(stores.Ping, logger))

	r.Get("/coin-pairs", pairs.List)
	r.Get("/coin-pairs/*", pairs.Get)

	r.Get("/batches/latest", batches.Latest)
	r.Get("/batches/{batch}/ranking", batches.Ranking)

	if stores.DeadLetters != nil {
		r.Get("/dead-letters", DeadLettersHandler(stores.DeadLetters, logger))
	}

	return r
}
