// Package batch assigns fetch cycles their batch identifiers and tracks which batches have
// been fully aggregated.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"pricing/internal/models"
)

const (
	latestUpdateKey = "latest_update"
	cyclesKey       = "batch:cycles"
	// ProcessedKey is the zset of fully processed batches, shared with the aggregate store.
	ProcessedKey    = "batch:processed"
)

// allocateScript maps a fetch cycle to a batch id exactly once. A retried or overlapping
// execution of the same cycle gets the id that was already allocated.
var allocateScript = redis.NewScript(`
local existing = redis.call('HGET', KEYS[2], ARGV[1])
if existing then
	return {tonumber(existing), 0}
end
local id = redis.call('HINCRBY', KEYS[1], 'allocated', 1)
redis.call('HSET', KEYS[2], ARGV[1], id)
return {id, 1}
`)

// completeBody marks the batch processed once every expected sample has been recorded.
// Returns 0 while incomplete, 1 when newly marked and 2 when it already was.
const completeBody = `
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
	return 2
end
local expected = redis.call('HGET', KEYS[1], 'expected')
if not expected then
	return 0
end
if redis.call('SCARD', KEYS[2]) >= tonumber(expected) then
	redis.call('ZADD', KEYS[3], ARGV[1], ARGV[1])
	return 1
end
return 0
`

var completeScript = redis.NewScript(completeBody)

// sealScript records the expected sample count, advances LatestUpdate without ever moving
// it backwards, then runs the completion check.
var sealScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'expected', ARGV[2])
local last = tonumber(redis.call('HGET', KEYS[4], 'lastFetchTime') or '-1')
if tonumber(ARGV[3]) >= last then
	redis.call('HSET', KEYS[4], 'id', 'latest_update', 'lastBatch', ARGV[1], 'lastFetchTime', ARGV[3])
end
` + completeBody)

// Tracker is the Redis-backed batch window tracker:
//   - latest_update     hash id, allocated, lastBatch, lastFetchTime
//   - batch:cycles      hash cycle time -> batch
//   - batch:{id}        hash expected
//   - batch:{id}:done   set of aggregated sample ids
//   - batch:processed   zset of fully processed batches
type Tracker struct {
	client *redis.Client
	logger *slog.Logger

	// processed batches never become unprocessed, so hits are cached.
	processed sync.Map
}

// New creates a batch tracker.
func New(client *redis.Client, logger *slog.Logger) *Tracker {
	return &Tracker{
		client: client,
		logger: logger.With("component", "batch_tracker"),
	}
}

func metaKey(batch int64) string { return fmt.Sprintf("batch:%d", batch) }
func doneKey(batch int64) string { return fmt.Sprintf("batch:%d:done", batch) }

// NextBatch returns the batch id of the fetch cycle starting at cycleTime, allocating a
// new one only the first time the cycle is seen. allocated is false for a reused id.
func (t *Tracker) NextBatch(ctx context.Context, cycleTime int64) (batch int64, allocated bool, err error) {
	res, err := allocateScript.Run(ctx, t.client, []string{latestUpdateKey, cyclesKey}, cycleTime).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("allocate batch for cycle %d failed: %w", cycleTime, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("allocate batch: unexpected reply %v", res)
	}

	id, ok1 := res[0].(int64)
	fresh, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, false, fmt.Errorf("allocate batch: unexpected reply %v", res)
	}

	if fresh == 0 {
		t.logger.Warn("batch_cycle_reused",
			"cycle_time", cycleTime,
			"batch", id,
		)
	} else {
		t.logger.Info("batch_allocated", "cycle_time", cycleTime, "batch", id)
	}

	return id, fresh == 1, nil
}

// Seal records how many samples the batch holds and advances LatestUpdate. The fetch job
// calls it last, after every PricePoint of the cycle was appended.
func (t *Tracker) Seal(ctx context.Context, batch int64, cycleTime int64, expected int) (bool, error) {
	keys := []string{metaKey(batch), doneKey(batch), ProcessedKey, latestUpdateKey}
	state, err := sealScript.Run(ctx, t.client, keys, batch, expected, cycleTime).Int()
	if err != nil {
		return false, fmt.Errorf("seal batch %d failed: %w", batch, err)
	}

	t.logger.Info("batch_sealed", "batch", batch, "expected", expected, "cycle_time", cycleTime)
	return t.noteCompletion(batch, state), nil
}

// RecordDone adds aggregated sample ids to the batch's completion set. Idempotent.
func (t *Tracker) RecordDone(ctx context.Context, batch int64, sampleIDs ...string) error {
	if len(sampleIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(sampleIDs))
	for i, id := range sampleIDs {
		members[i] = id
	}
	if err := t.client.SAdd(ctx, doneKey(batch), members...).Err(); err != nil {
		return fmt.Errorf("record done for batch %d failed: %w", batch, err)
	}
	return nil
}

// Complete marks the batch processed if every expected sample was recorded.
// It returns true only for the call that made the transition.
func (t *Tracker) Complete(ctx context.Context, batch int64) (bool, error) {
	if t.cached(batch) {
		return false, nil
	}
	keys := []string{metaKey(batch), doneKey(batch), ProcessedKey}
	state, err := completeScript.Run(ctx, t.client, keys, batch).Int()
	if err != nil {
		return false, fmt.Errorf("complete batch %d failed: %w", batch, err)
	}
	return t.noteCompletion(batch, state), nil
}

// MarkProcessed unconditionally marks the batch processed. Idempotent.
func (t *Tracker) MarkProcessed(ctx context.Context, batch int64) error {
	if err := t.client.ZAdd(ctx, ProcessedKey, redis.Z{Score: float64(batch), Member: batch}).Err(); err != nil {
		return fmt.Errorf("mark batch %d processed failed: %w", batch, err)
	}
	t.processed.Store(batch, struct{}{})
	return nil
}

// IsProcessed reports whether the batch was fully aggregated.
func (t *Tracker) IsProcessed(ctx context.Context, batch int64) (bool, error) {
	if t.cached(batch) {
		return true, nil
	}
	err := t.client.ZScore(ctx, ProcessedKey, strconv.FormatInt(batch, 10)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis ZSCORE failed: %w", err)
	}
	t.processed.Store(batch, struct{}{})
	return true, nil
}

// LatestProcessed returns the highest processed batch, 0 when none is.
func (t *Tracker) LatestProcessed(ctx context.Context) (int64, error) {
	res, err := t.client.ZRevRangeWithScores(ctx, ProcessedKey, 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZREVRANGE failed: %w", err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return int64(res[0].Score), nil
}

// Latest reads the LatestUpdate row; nil when no batch was sealed yet.
func (t *Tracker) Latest(ctx context.Context) (*models.LatestUpdate, error) {
	fields, err := t.client.HMGet(ctx, latestUpdateKey, "lastBatch", "lastFetchTime").Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET failed: %w", err)
	}
	if fields[0] == nil {
		return nil, nil
	}

	update := &models.LatestUpdate{ID: models.LatestUpdateID}
	if update.LastBatch, err = parseInt(fields[0]); err != nil {
		return nil, err
	}
	if update.LastFetchTime, err = parseInt(fields[1]); err != nil {
		return nil, err
	}
	return update, nil
}

// Status reports completion progress of a batch.
func (t *Tracker) Status(ctx context.Context, batch int64) (*models.BatchStatus, error) {
	pipe := t.client.Pipeline()
	expectedCmd := pipe.HGet(ctx, metaKey(batch), "expected")
	doneCmd := pipe.SCard(ctx, doneKey(batch))
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("batch status pipeline failed: %w", err)
	}

	status := &models.BatchStatus{Batch: batch, Expected: -1, Done: doneCmd.Val()}
	if v, err := expectedCmd.Int64(); err == nil {
		status.Expected = v
	}
	if status.Processed, err = t.IsProcessed(ctx, batch); err != nil {
		return nil, err
	}
	return status, nil
}

func (t *Tracker) cached(batch int64) bool {
	_, ok := t.processed.Load(batch)
	return ok
}

func (t *Tracker) noteCompletion(batch int64, state int) bool {
	if state == 0 {
		return false
	}
	t.processed.Store(batch, struct{}{})
	if state == 1 {
		t.logger.Info("batch_processed", "batch", batch)
		return true
	}
	return false
}

func parseInt(v interface{}) (int64, error) {
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected field type %T", v)
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", str, err)
	}
	return n, nil
}
