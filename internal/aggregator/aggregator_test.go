package aggregator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricing/internal/batch"
	"pricing/internal/models"
	"pricing/internal/pricestore"
)

type flakyWriter struct {
	RecordWriter
	failures int
	calls    int
}

func (w *flakyWriter) Put(ctx context.Context, rec models.DispersionRecord) (bool, error) {
	w.calls++
	if w.failures > 0 {
		w.failures--
		return false, errors.New("connection reset")
	}
	return w.RecordWriter.Put(ctx, rec)
}

type fixture struct {
	agg     *Aggregator
	prices  *pricestore.Store
	store   *RedisStore
	tracker *batch.Tracker
}

func newFixture(t *testing.T, windowSize int) *fixture {
	t.Helper()
	client := newTestRedis(t)
	f := &fixture{
		prices:  pricestore.New(client, 1, discardLogger()),
		store:   NewRedisStore(client, discardLogger()),
		tracker: batch.New(client, discardLogger()),
	}
	f.agg = New(0, windowSize, f.prices, f.store, f.tracker, discardLogger(), nil)
	return f
}

func feedRecord(p models.PricePoint) models.FeedRecord {
	return models.FeedRecord{ID: "0-1", Point: &p}
}

func TestApply_ThreeSampleStdDev(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	var records []models.FeedRecord
	for i, v := range []float64{100, 102, 98} {
		records = append(records, feedRecord(models.PricePoint{Pair: "bitcoin/usd", Value: v, Time: int64(60 * (i + 1)), Batch: 7}))
	}

	res, err := f.agg.Apply(ctx, records, NewProcessedSet())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Folded)
	assert.Equal(t, 1, res.Written, "one record per (batch, pair)")

	rec, err := f.store.Record(ctx, 7, "bitcoin/usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Sufficient())
	assert.InDelta(t, 1.632993, *rec.StdDev, 1e-6)
	assert.Equal(t, 3, rec.Samples)
}

func TestApply_SingleSampleIsInsufficient(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.agg.Apply(ctx, []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "new/usd", Value: 5, Time: 60, Batch: 1}),
	}, NewProcessedSet())
	require.NoError(t, err)

	rec, err := f.store.Record(ctx, 1, "new/usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Sufficient())

	ranked, err := f.store.Ranked(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestApply_RetryDoesNotDoubleFold(t *testing.T) {
	f := newFixture(t, 100)
	writer := &flakyWriter{RecordWriter: f.store, failures: 1}
	f.agg.writer = writer
	ctx := context.Background()

	records := []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "eth/usd", Value: 10, Time: 60, Batch: 2}),
		feedRecord(models.PricePoint{Pair: "eth/usd", Value: 20, Time: 120, Batch: 2}),
	}
	seen := NewProcessedSet()

	_, err := f.agg.Apply(ctx, records, seen)
	require.Error(t, err)

	res, err := f.agg.Apply(ctx, records, seen)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Folded)
	assert.Equal(t, 2, res.Duplicates)

	rec, err := f.store.Record(ctx, 2, "eth/usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, 5.0, *rec.StdDev, 1e-12)
	assert.Equal(t, 2, rec.Samples)
}

func TestApply_RedeliveryMatchesSingleDelivery(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	first := []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "sol/usd", Value: 1, Time: 60, Batch: 3}),
		feedRecord(models.PricePoint{Pair: "sol/usd", Value: 3, Time: 120, Batch: 3}),
	}
	_, err := f.agg.Apply(ctx, first, NewProcessedSet())
	require.NoError(t, err)
	want, err := f.store.Record(ctx, 3, "sol/usd")
	require.NoError(t, err)

	// A later group redelivers the same entries.
	res, err := f.agg.Apply(ctx, first, NewProcessedSet())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicates)

	got, err := f.store.Record(ctx, 3, "sol/usd")
	require.NoError(t, err)
	assert.Equal(t, *want.StdDev, *got.StdDev)
	assert.Equal(t, want.Samples, got.Samples)
}

func TestApply_SeedsFromPriceStore(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	for i, v := range []float64{1, 2, 3, 4} {
		_, err := f.prices.Append(ctx, models.PricePoint{Pair: "ada/usd", Value: v, Time: int64(60 * (i + 1)), Batch: int64(i + 1)})
		require.NoError(t, err)
	}

	// Fresh aggregator (restart): the trailing window is rebuilt from history.
	_, err := f.agg.Apply(ctx, []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "ada/usd", Value: 4, Time: 240, Batch: 4}),
	}, NewProcessedSet())
	require.NoError(t, err)

	rec, err := f.store.Record(ctx, 4, "ada/usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.Samples)
	// window {2, 3, 4}
	assert.InDelta(t, 0.816497, *rec.StdDev, 1e-6)
}

func TestApply_SkipsProcessedBatch(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()
	require.NoError(t, f.tracker.MarkProcessed(ctx, 9))

	res, err := f.agg.Apply(ctx, []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "btc/usd", Value: 1, Time: 60, Batch: 9}),
	}, NewProcessedSet())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedProcessed)
	assert.Equal(t, 0, res.Written)

	_, ok := f.agg.StdDev("btc/usd")
	assert.False(t, ok)
}

func TestApply_CompletesSealedBatch(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	b, _, err := f.tracker.NextBatch(ctx, 60)
	require.NoError(t, err)
	_, err = f.tracker.Seal(ctx, b, 60, 2)
	require.NoError(t, err)

	res, err := f.agg.Apply(ctx, []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "a/usd", Value: 1, Time: 60, Batch: b}),
		feedRecord(models.PricePoint{Pair: "b/usd", Value: 2, Time: 60, Batch: b}),
	}, NewProcessedSet())
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, res.Completed)

	processed, err := f.tracker.IsProcessed(ctx, b)
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestApply_MalformedRecordFails(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.agg.Apply(context.Background(), []models.FeedRecord{
		{ID: "1-0", Data: "{", ParseErr: models.ErrMalformed},
	}, NewProcessedSet())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrMalformed)
}

func TestDiscard_DropsPairState(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	good := models.PricePoint{Pair: "x/usd", Value: 1, Time: 60, Batch: 1}
	bad := models.PricePoint{Pair: "x/usd", Value: 1000, Time: 120, Batch: 1}
	for _, p := range []models.PricePoint{good, bad} {
		_, err := f.prices.Append(ctx, p)
		require.NoError(t, err)
	}
	f.agg.writer = &flakyWriter{RecordWriter: f.store, failures: 1}

	seen := NewProcessedSet()
	_, err := f.agg.Apply(ctx, []models.FeedRecord{feedRecord(good), feedRecord(bad)}, seen)
	require.Error(t, err)
	require.True(t, seen.Has(good.SampleID()))

	require.NoError(t, f.agg.Discard(ctx, feedRecord(bad), seen))
	assert.False(t, seen.Has(good.SampleID()), "snapshots of the pair are dropped")
	_, ok := f.agg.StdDev("x/usd")
	assert.False(t, ok)

	status, err := f.tracker.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Done, "the discarded sample counts as done")

	next := models.PricePoint{Pair: "x/usd", Value: 3, Time: 180, Batch: 2}
	_, err = f.agg.Apply(ctx, []models.FeedRecord{feedRecord(next)}, seen)
	require.NoError(t, err)

	rec, err := f.store.Record(ctx, 2, "x/usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Samples, "window rebuilt without the discarded sample")
	assert.InDelta(t, 1.0, *rec.StdDev, 1e-9)
}

func TestApply_RedeliveryAcrossBatchesKeepsEarlierRecord(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	group := []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "btc/usd", Value: 100, Time: 60, Batch: 5}),
		feedRecord(models.PricePoint{Pair: "btc/usd", Value: 102, Time: 61, Batch: 5}),
		feedRecord(models.PricePoint{Pair: "btc/usd", Value: 200, Time: 120, Batch: 6}),
	}
	_, err := f.agg.Apply(ctx, group, NewProcessedSet())
	require.NoError(t, err)
	want5, err := f.store.Record(ctx, 5, "btc/usd")
	require.NoError(t, err)
	want6, err := f.store.Record(ctx, 6, "btc/usd")
	require.NoError(t, err)

	res, err := f.agg.Apply(ctx, group, NewProcessedSet())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Duplicates)
	assert.Equal(t, 0, res.Folded)

	got5, err := f.store.Record(ctx, 5, "btc/usd")
	require.NoError(t, err)
	assert.Equal(t, 2, got5.Samples)
	assert.InDelta(t, 1.0, *got5.StdDev, 1e-12)
	assert.Equal(t, *want5.StdDev, *got5.StdDev)

	got6, err := f.store.Record(ctx, 6, "btc/usd")
	require.NoError(t, err)
	assert.Equal(t, want6.Samples, got6.Samples)
	assert.Equal(t, *want6.StdDev, *got6.StdDev)
}

func TestApply_SeededDuplicateLeavesRecordAlone(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	old := models.PricePoint{Pair: "eth/usd", Value: 10, Time: 60, Batch: 1}
	_, err := f.prices.Append(ctx, old)
	require.NoError(t, err)
	_, err = f.store.Put(ctx, models.DispersionRecord{Batch: 1, Pair: "eth/usd", Samples: 1})
	require.NoError(t, err)

	// A restarted aggregator reconstructs the window, then the old entry is redelivered.
	_, err = f.agg.Apply(ctx, []models.FeedRecord{
		feedRecord(models.PricePoint{Pair: "eth/usd", Value: 14, Time: 120, Batch: 2}),
	}, NewProcessedSet())
	require.NoError(t, err)

	res, err := f.agg.Apply(ctx, []models.FeedRecord{feedRecord(old)}, NewProcessedSet())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 0, res.Written)

	rec, err := f.store.Record(ctx, 1, "eth/usd")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Samples)
	assert.False(t, rec.Sufficient())
}

func TestDiscard_SalvagesMalformedPayload(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	b, _, err := f.tracker.NextBatch(ctx, 60)
	require.NoError(t, err)
	_, err = f.tracker.Seal(ctx, b, 60, 1)
	require.NoError(t, err)

	broken := models.FeedRecord{
		ID:       "5-0",
		Data:     `{"pair":"x/usd","value":"NaN","time":60,"batch":1}`,
		ParseErr: models.ErrMalformed,
	}
	require.NoError(t, f.agg.Discard(ctx, broken, NewProcessedSet()))

	processed, err := f.tracker.IsProcessed(ctx, b)
	require.NoError(t, err)
	assert.True(t, processed)

	require.NoError(t, f.agg.Discard(ctx, models.FeedRecord{ID: "6-0", Data: "garbage", ParseErr: models.ErrMalformed}, NewProcessedSet()))
}
