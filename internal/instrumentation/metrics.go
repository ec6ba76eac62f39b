package instrumentation

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the pipeline.
type Metrics struct {
	// Feed consumption
	RecordsTotal   *prometheus.CounterVec
	GroupLatencyMs prometheus.Histogram
	FeedLagSec     prometheus.Histogram

	// Failure handling
	RetriesTotal     prometheus.Counter
	BisectionsTotal  prometheus.Counter
	DeadLettersTotal prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec

	// Aggregates
	BatchesProcessed prometheus.Counter
	TrackedPairs     *prometheus.GaugeVec

	// Fetch job
	FetchedPoints prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Outcome per feed record: folded, duplicate, skipped_processed, dead_lettered
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_feed_records_total",
			Help: "Change-feed records handled by outcome",
		}, []string{"outcome"}),

		GroupLatencyMs: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricing_group_latency_ms",
			Help:    "Time to fold and persist one feed group in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),

		FeedLagSec: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricing_feed_lag_seconds",
			Help:    "Time between the sample timestamp and its aggregation",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900},
		}),

		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pricing_group_retries_total",
			Help: "Retried attempts of feed groups",
		}),

		BisectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pricing_group_bisections_total",
			Help: "Feed groups split in half after exhausting retries",
		}),

		DeadLettersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pricing_dead_letters_total",
			Help: "Records routed to the dead-letter stream",
		}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pricing_errors_total",
			Help: "Total number of errors by component and type",
		}, []string{"component", "error_type"}),

		BatchesProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pricing_batches_processed_total",
			Help: "Fetch batches marked fully processed",
		}),

		TrackedPairs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricing_tracked_pairs",
			Help: "Pairs with in-memory accumulator state per shard",
		}, []string{"shard"}),

		FetchedPoints: factory.NewCounter(prometheus.CounterOpts{
			Name: "pricing_fetched_points_total",
			Help: "Price points newly appended by the fetch job",
		}),
	}
}

// RecordOutcome increments the record counter for an outcome.
func (m *Metrics) RecordOutcome(outcome string, n int) {
	m.RecordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordGroupLatency records the time to fold and persist a feed group.
func (m *Metrics) RecordGroupLatency(latencyMs float64) {
	m.GroupLatencyMs.Observe(latencyMs)
}

// RecordFeedLag records the age of a sample at aggregation time.
func (m *Metrics) RecordFeedLag(lagSec float64) {
	m.FeedLagSec.Observe(lagSec)
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry() {
	m.RetriesTotal.Inc()
}

// RecordBisection increments the bisection counter.
func (m *Metrics) RecordBisection() {
	m.BisectionsTotal.Inc()
}

// RecordDeadLetter increments the dead-letter counter.
func (m *Metrics) RecordDeadLetter() {
	m.DeadLettersTotal.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordBatchProcessed increments the processed batch counter.
func (m *Metrics) RecordBatchProcessed() {
	m.BatchesProcessed.Inc()
}

// SetTrackedPairs sets the number of pairs held by a shard.
func (m *Metrics) SetTrackedPairs(shard string, n int) {
	m.TrackedPairs.WithLabelValues(shard).Set(float64(n))
}

// RecordFetched adds newly appended points.
func (m *Metrics) RecordFetched(n int) {
	m.FetchedPoints.Add(float64(n))
}

// StartServer serves /metrics on port in the background. The caller shuts it down.
func StartServer(port int, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics_server_starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", "error", err)
		}
	}()
	return srv
}
