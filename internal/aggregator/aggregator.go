package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"pricing/internal/instrumentation"
	"pricing/internal/models"
	"pricing/internal/variance"
)

// PriceHistory loads older samples to reconstruct a pair's window on first touch, and
// keeps dead-lettered samples out of later reconstructions.
type PriceHistory interface {
	Before(ctx context.Context, pair string, t int64, limit int) ([]models.PricePoint, error)
	Exclude(ctx context.Context, pair string, t int64) error
}

// RecordWriter persists DispersionRecords.
type RecordWriter interface {
	Put(ctx context.Context, rec models.DispersionRecord) (bool, error)
}

// BatchTracker is the part of the batch window tracker the aggregator drives.
type BatchTracker interface {
	IsProcessed(ctx context.Context, batch int64) (bool, error)
	RecordDone(ctx context.Context, batch int64, sampleIDs ...string) error
	Complete(ctx context.Context, batch int64) (bool, error)
}

// snapshot is the statistic right after a sample was folded.
type snapshot struct {
	pair    string
	stddev  float64
	ok      bool
	samples int
}

// ProcessedSet remembers the samples folded while one feed group is in flight, together
// with the statistic each fold produced. It lives for the group's retry lifetime and is
// discarded once the group commits.
type ProcessedSet map[string]snapshot

// NewProcessedSet creates an empty set.
func NewProcessedSet() ProcessedSet {
	return make(ProcessedSet)
}

// Has reports whether the sample was folded during this group's lifetime.
func (s ProcessedSet) Has(sampleID string) bool {
	_, ok := s[sampleID]
	return ok
}

func (s ProcessedSet) forgetPair(pair string) {
	for id, snap := range s {
		if snap.pair == pair {
			delete(s, id)
		}
	}
}

// Result summarises one successful Apply.
type Result struct {
	Folded           int
	Duplicates       int
	SkippedProcessed int
	Written          int
	Completed        []int64
}

// Aggregator folds feed records of one shard into its pairs' windows and persists the
// resulting DispersionRecords. Each shard owns its Aggregator; it is not safe for
// concurrent use.
type Aggregator struct {
	shard      int
	engine     *variance.Engine
	windowSize int
	history    PriceHistory
	writer     RecordWriter
	tracker    BatchTracker
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	now        func() time.Time

	// folds keeps, per pair, the snapshot taken when each sample still in the window was
	// folded, so a redelivered sample rewrites its batch record unchanged.
	folds map[string]map[string]snapshot
}

// New creates the aggregator of a feed shard.
func New(shard, windowSize int, history PriceHistory, writer RecordWriter, tracker BatchTracker, logger *slog.Logger, metrics *instrumentation.Metrics) *Aggregator {
	return &Aggregator{
		shard:      shard,
		engine:     variance.NewEngine(windowSize),
		windowSize: windowSize,
		history:    history,
		writer:     writer,
		tracker:    tracker,
		logger:     logger.With("component", "aggregator", "shard", shard),
		metrics:    metrics,
		now:        time.Now,
		folds:      make(map[string]map[string]snapshot),
	}
}

type recordKey struct {
	batch int64
	pair  string
}

// Apply folds records in feed order and persists a DispersionRecord for every
// (batch, pair) they touch. Any error leaves nothing committed; calling Apply again with
// the same ProcessedSet never folds a sample twice.
func (a *Aggregator) Apply(ctx context.Context, records []models.FeedRecord, seen ProcessedSet) (*Result, error) {
	res := &Result{}
	staged := make(map[recordKey]models.DispersionRecord)
	order := make([]recordKey, 0, len(records))
	done := make(map[int64][]string)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !rec.Valid() {
			return nil, fmt.Errorf("record %s: %w", rec.ID, rec.ParseErr)
		}
		p := rec.Point

		processed, err := a.tracker.IsProcessed(ctx, p.Batch)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if processed {
			res.SkippedProcessed++
			continue
		}

		if !a.engine.Has(p.Pair) {
			if err := a.seed(ctx, p); err != nil {
				return nil, fmt.Errorf("record %s: %w", rec.ID, err)
			}
		}

		id := p.SampleID()
		snap, folded := seen[id]
		switch {
		case folded:
			res.Duplicates++
		case a.engine.Seen(p.Pair, id):
			res.Duplicates++
			prev, ok := a.folds[p.Pair][id]
			if !ok {
				// Folded by window reconstruction: its batch record predates this process.
				done[p.Batch] = append(done[p.Batch], id)
				continue
			}
			snap = prev
			seen[id] = snap
		default:
			a.engine.Fold(p.Pair, variance.Sample{ID: id, Value: p.Value})
			snap = a.snapshot(p.Pair)
			seen[id] = snap
			a.remember(p.Pair, id, snap)
			res.Folded++
			if a.metrics != nil {
				a.metrics.RecordFeedLag(float64(a.now().Unix() - p.Time))
			}
		}

		key := recordKey{batch: p.Batch, pair: p.Pair}
		if _, ok := staged[key]; !ok {
			order = append(order, key)
		}
		dr := models.DispersionRecord{
			Batch:     p.Batch,
			Pair:      p.Pair,
			Samples:   snap.samples,
			UpdatedAt: a.now().Unix(),
		}
		if snap.ok {
			sd := snap.stddev
			dr.StdDev = &sd
		}
		staged[key] = dr
		done[p.Batch] = append(done[p.Batch], id)
	}

	for _, key := range order {
		written, err := a.writer.Put(ctx, staged[key])
		if err != nil {
			return nil, err
		}
		if written {
			res.Written++
		}
	}

	for b, ids := range done {
		if err := a.tracker.RecordDone(ctx, b, ids...); err != nil {
			return nil, err
		}
		completed, err := a.tracker.Complete(ctx, b)
		if err != nil {
			return nil, err
		}
		if completed {
			res.Completed = append(res.Completed, b)
		}
	}

	if a.metrics != nil {
		a.metrics.RecordOutcome("folded", res.Folded)
		a.metrics.RecordOutcome("duplicate", res.Duplicates)
		a.metrics.RecordOutcome("skipped_processed", res.SkippedProcessed)
		for range res.Completed {
			a.metrics.RecordBatchProcessed()
		}
		a.metrics.SetTrackedPairs(strconv.Itoa(a.shard), a.engine.Pairs())
	}

	return res, nil
}

// Discard settles a record that is being dead-lettered. A decoded sample is excluded from
// the pair's history and the pair's state is dropped, together with every snapshot of it
// in seen, so later samples are folded again against a window without it. The sample
// still counts as done for its batch, so one poisoned record cannot hold the batch
// unprocessed forever. For an undecodable payload the identity fields are salvaged when
// present.
func (a *Aggregator) Discard(ctx context.Context, rec models.FeedRecord, seen ProcessedSet) error {
	var pair string
	var t, b int64
	if rec.Valid() {
		pair, t, b = rec.Point.Pair, rec.Point.Time, rec.Point.Batch
		if err := a.history.Exclude(ctx, pair, t); err != nil {
			return fmt.Errorf("exclude %s: %w", rec.Point.SampleID(), err)
		}
		a.forget(pair, seen)
		a.logger.Warn("sample_discarded", "pair", pair, "sample_id", rec.Point.SampleID())
	} else {
		fields := gjson.GetMany(rec.Data, "pair", "time", "batch")
		if !fields[0].Exists() || !fields[1].Exists() || !fields[2].Exists() {
			return nil
		}
		pair, t, b = fields[0].String(), fields[1].Int(), fields[2].Int()
	}

	id := models.PricePoint{Pair: pair, Time: t}.SampleID()
	if err := a.tracker.RecordDone(ctx, b, id); err != nil {
		return err
	}
	completed, err := a.tracker.Complete(ctx, b)
	if err != nil {
		return err
	}
	if completed && a.metrics != nil {
		a.metrics.RecordBatchProcessed()
	}
	return nil
}

// StdDev exposes the in-memory statistic of a pair.
func (a *Aggregator) StdDev(pair string) (float64, bool) {
	return a.engine.StdDev(pair)
}

// seed reconstructs the pair's trailing window from the price store.
func (a *Aggregator) seed(ctx context.Context, p *models.PricePoint) error {
	points, err := a.history.Before(ctx, p.Pair, p.Time, a.windowSize)
	if err != nil {
		return fmt.Errorf("load history for %s failed: %w", p.Pair, err)
	}

	samples := make([]variance.Sample, 0, len(points))
	for _, pt := range points {
		samples = append(samples, variance.Sample{ID: pt.SampleID(), Value: pt.Value})
	}
	a.engine.Seed(p.Pair, samples)

	a.logger.Debug("window_reconstructed",
		"pair", p.Pair,
		"samples", len(samples),
		"before", p.Time,
	)
	return nil
}

func (a *Aggregator) snapshot(pair string) snapshot {
	sd, ok := a.engine.StdDev(pair)
	return snapshot{pair: pair, stddev: sd, ok: ok, samples: a.engine.Count(pair)}
}

// remember records the fold-time snapshot of id and drops those of samples that have
// left the window.
func (a *Aggregator) remember(pair, id string, snap snapshot) {
	m, ok := a.folds[pair]
	if !ok {
		m = make(map[string]snapshot)
		a.folds[pair] = m
	}
	m[id] = snap
	for other := range m {
		if !a.engine.Seen(pair, other) {
			delete(m, other)
		}
	}
}

// forget drops everything known about pair; its window is rebuilt from the price store
// on next touch.
func (a *Aggregator) forget(pair string, seen ProcessedSet) {
	a.engine.Forget(pair)
	delete(a.folds, pair)
	seen.forgetPair(pair)
}
