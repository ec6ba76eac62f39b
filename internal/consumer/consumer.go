// Package consumer subscribes to the price change feed and drives each delivered group
// through the aggregator with retry, bisection and dead-lettering.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pricing/internal/instrumentation"
)

// Worker consumes one shard: read a group, process it, acknowledge it. The worker is the
// only goroutine touching its shard, so groups are processed strictly in order.
type Worker struct {
	stream    *Stream
	processor *Processor
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	errDelay  time.Duration
}

// NewWorker pairs a shard's stream with its processor.
func NewWorker(stream *Stream, processor *Processor, logger *slog.Logger, metrics *instrumentation.Metrics) *Worker {
	processor.ack = stream.Ack
	return &Worker{
		stream:    stream,
		processor: processor,
		logger:    logger.With("component", "worker", "shard", stream.shard),
		metrics:   metrics,
		errDelay:  time.Second,
	}
}

// Run blocks until ctx is cancelled. Entries left pending by a previous run are
// processed first. A group in flight when ctx is cancelled is abandoned without being
// acknowledged.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.stream.Init(ctx); err != nil {
		return err
	}

	w.logger.Info("worker_starting")
	pending := true

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker_stopping")
			return nil
		}

		records, err := w.stream.Read(ctx, pending)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("xreadgroup_failed", "error", err)
			w.recordError("read_failed")
			sleepContext(ctx, w.errDelay)
			continue
		}
		if len(records) == 0 {
			if pending {
				w.logger.Info("pending_recovered")
			}
			pending = false
			continue
		}

		out, err := w.processor.Process(ctx, records)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error("group_failed",
				"first_id", records[0].ID,
				"records", len(records),
				"state", out.State.String(),
				"error", err,
			)
			w.recordError("group_failed")
			// The group stays pending and is read again from the pending list.
			pending = true
			sleepContext(ctx, w.errDelay)
			continue
		}

		if len(out.Ack) == 0 {
			continue
		}
		if err := w.stream.Ack(ctx, out.Ack...); err != nil {
			// Unacknowledged entries are redelivered; their folds are idempotent.
			w.logger.Error("xack_failed", "first_id", out.Ack[0], "error", err)
			w.recordError("ack_failed")
			pending = true
		}
	}
}

func (w *Worker) recordError(errorType string) {
	if w.metrics != nil {
		w.metrics.RecordError("consumer", errorType)
	}
}

// Consumer runs one worker per feed shard.
type Consumer struct {
	workers []*Worker
	logger  *slog.Logger
}

// New creates a consumer over the given shard workers.
func New(workers []*Worker, logger *slog.Logger) *Consumer {
	return &Consumer{
		workers: workers,
		logger:  logger.With("component", "consumer"),
	}
}

// Run starts every worker and blocks until ctx is cancelled or a worker fails to start.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer_starting", "shards", len(c.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("consumer_failed", "error", err)
		return err
	}

	c.logger.Info("consumer_stopped")
	return nil
}
