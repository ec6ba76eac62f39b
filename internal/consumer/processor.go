package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pricing/internal/aggregator"
	"pricing/internal/instrumentation"
	"pricing/internal/models"
)

// Applier folds a feed unit into the aggregates.
type Applier interface {
	Apply(ctx context.Context, records []models.FeedRecord, seen aggregator.ProcessedSet) (*aggregator.Result, error)
	Discard(ctx context.Context, rec models.FeedRecord, seen aggregator.ProcessedSet) error
}

// DeadLetterSink receives records that could not be processed.
type DeadLetterSink interface {
	Send(ctx context.Context, dl models.DeadLetter) error
}

// GroupState is the lifecycle of one delivered feed group.
type GroupState int

const (
	Received GroupState = iota
	Processing
	Committed
	Failed
)

func (s GroupState) String() string {
	switch s {
	case Received:
		return "received"
	case Processing:
		return "processing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("GroupState(%d)", int(s))
	}
}

// Policy controls retries and failure isolation.
type Policy struct {
	Attempts int           // tries per unit, including the first
	Bisect   bool          // split failing units in half after exhausting retries
	Base     time.Duration // first retry delay
	Max      time.Duration // retry delay cap
}

// Outcome reports what happened to a group.
type Outcome struct {
	State        GroupState
	Applied      int
	DeadLettered int
	Ack          []string // stream ids still to acknowledge, in delivery order
}

// Processor drives one shard's groups through retry, bisection and dead-lettering.
// Units of a group are applied strictly in delivery order: a failing unit is split
// into its two halves, which are re-queued ahead of everything after them.
type Processor struct {
	shard   int
	applier Applier
	sink    DeadLetterSink
	policy  Policy
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	// ack, when set, acknowledges a dead-lettered entry as soon as it is stored, so a
	// failure later in the group does not deliver it again.
	ack func(ctx context.Context, ids ...string) error
}

// NewProcessor creates the processor of a feed shard.
func NewProcessor(shard int, applier Applier, sink DeadLetterSink, policy Policy, logger *slog.Logger, metrics *instrumentation.Metrics) *Processor {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Processor{
		shard:   shard,
		applier: applier,
		sink:    sink,
		policy:  policy,
		logger:  logger.With("component", "processor", "shard", shard),
		metrics: metrics,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Process applies a delivered group. It returns a Committed outcome whose Ack lists the
// records of the group not yet acknowledged once each record was either applied or
// dead-lettered. An error means the rest of the group must not be acknowledged: the
// context was cancelled or a dead letter could not be written, and the remaining entries
// will be redelivered.
func (p *Processor) Process(ctx context.Context, group []models.FeedRecord) (*Outcome, error) {
	out := &Outcome{State: Received}
	if len(group) == 0 {
		out.State = Committed
		return out, nil
	}

	startTime := time.Now()
	seen := aggregator.NewProcessedSet()
	acked := make(map[string]bool)
	queue := [][]models.FeedRecord{group}
	out.State = Processing

	for len(queue) > 0 {
		unit := queue[0]
		queue = queue[1:]

		attempts, err := p.attempt(ctx, unit, seen)
		if err == nil {
			out.Applied += len(unit)
			continue
		}
		if ctx.Err() != nil {
			out.State = Failed
			p.logger.Warn("group_abandoned",
				"first_id", group[0].ID,
				"records", len(group),
				"reason", ctx.Err(),
			)
			return out, ctx.Err()
		}

		if len(unit) > 1 && p.policy.Bisect {
			mid := len(unit) / 2
			queue = append([][]models.FeedRecord{unit[:mid], unit[mid:]}, queue...)
			if p.metrics != nil {
				p.metrics.RecordBisection()
			}
			p.logger.Warn("unit_bisected",
				"first_id", unit[0].ID,
				"records", len(unit),
				"error", err,
			)
			continue
		}

		for _, rec := range unit {
			if dlErr := p.deadLetter(ctx, rec, attempts, err, seen); dlErr != nil {
				out.State = Failed
				return out, dlErr
			}
			out.DeadLettered++
			acked[rec.ID] = p.ackDeadLettered(ctx, rec.ID)
		}
	}

	out.State = Committed
	out.Ack = make([]string, 0, len(group))
	for _, rec := range group {
		if !acked[rec.ID] {
			out.Ack = append(out.Ack, rec.ID)
		}
	}

	if p.metrics != nil {
		p.metrics.RecordGroupLatency(float64(time.Since(startTime).Milliseconds()))
	}
	p.logger.Debug("group_committed",
		"records", len(group),
		"applied", out.Applied,
		"dead_lettered", out.DeadLettered,
		"latency_ms", time.Since(startTime).Milliseconds(),
	)
	return out, nil
}

// attempt applies a unit with retries. Malformed payloads never succeed, so they skip the
// remaining retries. It returns the number of tries made.
func (p *Processor) attempt(ctx context.Context, unit []models.FeedRecord, seen aggregator.ProcessedSet) (int, error) {
	var err error
	for try := 0; try < p.policy.Attempts; try++ {
		if try > 0 {
			if p.metrics != nil {
				p.metrics.RecordRetry()
			}
			if sleepErr := p.sleep(ctx, Backoff(try-1, p.policy.Base, p.policy.Max)); sleepErr != nil {
				return try, sleepErr
			}
		}

		_, err = p.applier.Apply(ctx, unit, seen)
		if err == nil {
			return try + 1, nil
		}
		if ctx.Err() != nil {
			return try + 1, ctx.Err()
		}

		p.logger.Warn("unit_apply_failed",
			"first_id", unit[0].ID,
			"records", len(unit),
			"attempt", try+1,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.RecordError("processor", errorType(err))
		}
		if errors.Is(err, models.ErrMalformed) {
			return try + 1, err
		}
	}
	return p.policy.Attempts, err
}

func (p *Processor) deadLetter(ctx context.Context, rec models.FeedRecord, attempts int, cause error, seen aggregator.ProcessedSet) error {
	if err := p.applier.Discard(ctx, rec, seen); err != nil {
		return fmt.Errorf("settle dead-lettered record %s: %w", rec.ID, err)
	}

	dl := models.DeadLetter{
		StreamID: rec.ID,
		Shard:    p.shard,
		Data:     rec.Data,
		Reason:   cause.Error(),
		Attempts: attempts,
		FailedAt: p.now().UTC(),
	}
	if err := p.sink.Send(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter record %s: %w", rec.ID, err)
	}

	if p.metrics != nil {
		p.metrics.RecordDeadLetter()
		p.metrics.RecordOutcome("dead_lettered", 1)
	}
	p.logger.Error("record_dead_lettered",
		"stream_id", rec.ID,
		"attempts", attempts,
		"reason", cause,
	)
	return nil
}

// ackDeadLettered reports whether the entry was acknowledged. A failed ack leaves it to
// the group commit; the sink stores each entry once either way.
func (p *Processor) ackDeadLettered(ctx context.Context, id string) bool {
	if p.ack == nil {
		return false
	}
	if err := p.ack(ctx, id); err != nil {
		p.logger.Warn("dead_letter_ack_failed", "stream_id", id, "error", err)
		return false
	}
	return true
}

func errorType(err error) string {
	if errors.Is(err, models.ErrMalformed) {
		return "malformed"
	}
	return "apply_failed"
}
