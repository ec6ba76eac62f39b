package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pricing/internal/batch"
	"pricing/internal/models"
)

const (
	latestKey      = "dispersion:latest"
	latestBatchKey = "dispersion:latest:batch"
)

// putScript writes a DispersionRecord on both access paths. Writes for a batch that is
// already marked processed are refused, and the per-pair latest pointer never moves back
// to an older batch.
var putScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[5], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
if ARGV[4] == '' then
	redis.call('ZREM', KEYS[2], ARGV[2])
else
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
end
local cur = redis.call('HGET', KEYS[4], ARGV[2])
if (not cur) or tonumber(cur) <= tonumber(ARGV[1]) then
	redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
	redis.call('HSET', KEYS[4], ARGV[2], ARGV[1])
end
return 1
`)

// RedisStore is the aggregate store:
//   - dispersion:{batch}        hash pair -> record JSON
//   - dispersion:{batch}:rank   zset score=stddev member=pair (sufficient records only)
//   - dispersion:latest         hash pair -> most recent record JSON
//   - dispersion:latest:batch   hash pair -> batch of that record
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisStore creates the Redis-backed aggregate store.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger.With("component", "aggregate_store"),
	}
}

func batchKey(b int64) string { return fmt.Sprintf("dispersion:%d", b) }
func rankKey(b int64) string  { return fmt.Sprintf("dispersion:%d:rank", b) }

// Put stores the record. It returns false when the batch was already processed and the
// write was refused.
func (s *RedisStore) Put(ctx context.Context, rec models.DispersionRecord) (bool, error) {
	startTime := time.Now()

	jsonBytes, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("json marshal failed: %w", err)
	}

	score := ""
	if rec.StdDev != nil {
		score = strconv.FormatFloat(*rec.StdDev, 'g', -1, 64)
	}

	keys := []string{batchKey(rec.Batch), rankKey(rec.Batch), latestKey, latestBatchKey, batch.ProcessedKey}
	written, err := putScript.Run(ctx, s.client, keys, rec.Batch, rec.Pair, jsonBytes, score).Int()
	if err != nil {
		return false, fmt.Errorf("put dispersion %s@%d failed: %w", rec.Pair, rec.Batch, err)
	}

	if written == 0 {
		s.logger.Warn("dispersion_write_refused",
			"pair", rec.Pair,
			"batch", rec.Batch,
			"reason", "batch_processed",
		)
		return false, nil
	}

	s.logger.Debug("dispersion_stored",
		"pair", rec.Pair,
		"batch", rec.Batch,
		"sufficient", rec.Sufficient(),
		"size_bytes", len(jsonBytes),
		"latency_ms", time.Since(startTime).Milliseconds(),
	)
	return true, nil
}

// Latest returns the pair's record of its most recent batch, nil when none exists.
func (s *RedisStore) Latest(ctx context.Context, pair string) (*models.DispersionRecord, error) {
	return s.get(ctx, latestKey, pair)
}

// Record returns the pair's record for a batch, nil when none exists.
func (s *RedisStore) Record(ctx context.Context, b int64, pair string) (*models.DispersionRecord, error) {
	return s.get(ctx, batchKey(b), pair)
}

// LatestAll returns the most recent record of every pair.
func (s *RedisStore) LatestAll(ctx context.Context) (map[string]models.DispersionRecord, error) {
	raw, err := s.client.HGetAll(ctx, latestKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL failed: %w", err)
	}

	out := make(map[string]models.DispersionRecord, len(raw))
	for pair, data := range raw {
		var rec models.DispersionRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("json unmarshal failed for %s: %w", pair, err)
		}
		out[pair] = rec
	}
	return out, nil
}

// Ranked returns the batch's records with a statistic, ordered by stddev descending and
// pair ascending on ties. limit <= 0 returns all of them.
func (s *RedisStore) Ranked(ctx context.Context, b int64, limit int) ([]models.DispersionRecord, error) {
	entries, err := s.client.ZRevRangeWithScores(ctx, rankKey(b), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE failed: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Member.(string) < entries[j].Member.(string)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	if len(entries) == 0 {
		return nil, nil
	}

	pairs := make([]string, len(entries))
	for i, e := range entries {
		pairs[i] = e.Member.(string)
	}
	raw, err := s.client.HMGet(ctx, batchKey(b), pairs...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET failed: %w", err)
	}

	out := make([]models.DispersionRecord, 0, len(entries))
	for i, e := range entries {
		rec := models.DispersionRecord{Batch: b, Pair: pairs[i]}
		if data, ok := raw[i].(string); ok {
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				return nil, fmt.Errorf("json unmarshal failed for %s: %w", pairs[i], err)
			}
		}
		score := e.Score
		rec.StdDev = &score
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) get(ctx context.Context, key, pair string) (*models.DispersionRecord, error) {
	jsonBytes, err := s.client.HGet(ctx, key, pair).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis HGET failed: %w", err)
	}

	var rec models.DispersionRecord
	if err := json.Unmarshal(jsonBytes, &rec); err != nil {
		return nil, fmt.Errorf("json unmarshal failed: %w", err)
	}
	return &rec, nil
}
