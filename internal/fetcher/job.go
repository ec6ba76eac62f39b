package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"pricing/internal/instrumentation"
	"pricing/internal/models"
)

// QuoteSource provides the current quotes of a fetch cycle.
type QuoteSource interface {
	Markets(ctx context.Context) ([]Quote, error)
}

// PriceAppender stores price samples.
type PriceAppender interface {
	Append(ctx context.Context, p models.PricePoint) (bool, error)
}

// BatchAllocator assigns and seals fetch-cycle batches.
type BatchAllocator interface {
	NextBatch(ctx context.Context, cycleTime int64) (int64, bool, error)
	Seal(ctx context.Context, batch int64, cycleTime int64, expected int) (bool, error)
}

// CycleResult reports one fetch cycle.
type CycleResult struct {
	RunID     string
	Batch     int64
	CycleTime int64
	Quotes    int
	Appended  int
}

// Job runs fetch cycles: quotes are fetched, a batch id is obtained for the cycle, every
// quote is appended as a PricePoint of that batch and the batch is sealed last.
type Job struct {
	source   QuoteSource
	prices   PriceAppender
	batches  BatchAllocator
	interval time.Duration
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
}

// NewJob creates a fetch job whose cycles are aligned to interval.
func NewJob(source QuoteSource, prices PriceAppender, batches BatchAllocator, interval time.Duration, logger *slog.Logger, metrics *instrumentation.Metrics) *Job {
	return &Job{
		source:   source,
		prices:   prices,
		batches:  batches,
		interval: interval,
		logger:   logger.With("component", "fetch_job"),
		metrics:  metrics,
	}
}

// Pair returns the pair identifier of a coin quoted in USD.
func Pair(coinID string) string {
	return coinID + "/usd"
}

// RunCycle executes the cycle containing now. Running it again for the same cycle reuses
// the batch id, and already stored samples are not rewritten.
func (j *Job) RunCycle(ctx context.Context, now time.Time) (*CycleResult, error) {
	res := &CycleResult{
		RunID:     uuid.NewString(),
		CycleTime: now.Truncate(j.interval).Unix(),
	}
	logger := j.logger.With("run_id", res.RunID, "cycle_time", res.CycleTime)

	quotes, err := j.source.Markets(ctx)
	if err != nil {
		j.recordError("fetch_failed")
		return res, fmt.Errorf("fetch quotes: %w", err)
	}
	res.Quotes = len(quotes)

	res.Batch, _, err = j.batches.NextBatch(ctx, res.CycleTime)
	if err != nil {
		j.recordError("batch_failed")
		return res, err
	}

	for _, q := range quotes {
		p := models.PricePoint{
			Pair:  Pair(q.ID),
			Value: q.Price.InexactFloat64(),
			Time:  res.CycleTime,
			Batch: res.Batch,
		}
		inserted, err := j.prices.Append(ctx, p)
		if err != nil {
			j.recordError("append_failed")
			return res, err
		}
		if inserted {
			res.Appended++
		}
	}

	if _, err := j.batches.Seal(ctx, res.Batch, res.CycleTime, len(quotes)); err != nil {
		j.recordError("seal_failed")
		return res, err
	}

	if j.metrics != nil {
		j.metrics.RecordFetched(res.Appended)
	}
	logger.Info("fetch_cycle_completed",
		"batch", res.Batch,
		"quotes", res.Quotes,
		"appended", res.Appended,
	)
	return res, nil
}

// Schedule runs a cycle on every tick of the cron spec until ctx is cancelled. A cycle
// still running when the next tick fires causes that tick to be skipped.
func (j *Job) Schedule(ctx context.Context, spec string) error {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(j.logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))

	_, err := c.AddFunc(spec, func() {
		if _, err := j.RunCycle(ctx, time.Now()); err != nil {
			j.logger.Error("fetch_cycle_failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid fetch schedule %q: %w", spec, err)
	}

	j.logger.Info("fetch_job_scheduled", "schedule", spec, "interval", j.interval.String())
	c.Start()
	<-ctx.Done()

	stopCtx := c.Stop()
	<-stopCtx.Done()
	j.logger.Info("fetch_job_stopped")
	return nil
}

func (j *Job) recordError(errorType string) {
	if j.metrics != nil {
		j.metrics.RecordError("fetcher", errorType)
	}
}
