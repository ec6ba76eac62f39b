// Package pricestore is the append-only time series of price samples and the source of
// the change feed that drives aggregation.
package pricestore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"pricing/internal/models"
)

const pairsKey = "price:pairs"

// appendScript performs the conditional insert and the feed notification atomically, so a
// retried fetch cycle neither loses nor duplicates a feed record. First write wins.
var appendScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
redis.call('XADD', KEYS[4], '*', 'data', ARGV[4])
return 1
`)

// Store keeps price samples in Redis:
//   - price:{pair}         hash time -> value
//   - price:{pair}:series  zset score=time member=time
//   - price:{pair}:excluded set of times left out of window reconstruction
//   - price:pairs          set of known pairs
//   - price:feed:{shard}   stream of inserted samples
type Store struct {
	client *redis.Client
	shards int
	logger *slog.Logger
}

// New creates a price store writing its change feed across shards streams.
func New(client *redis.Client, shards int, logger *slog.Logger) *Store {
	if shards < 1 {
		shards = 1
	}
	return &Store{
		client: client,
		shards: shards,
		logger: logger.With("component", "price_store"),
	}
}

// FeedKey returns the stream key of a feed shard.
func FeedKey(shard int) string {
	return fmt.Sprintf("price:feed:%d", shard)
}

// ShardFor maps a pair to its feed shard. All samples of a pair land on one shard, which
// keeps per-pair ordering inside a single sequential consumer.
func ShardFor(pair string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(pair))
	return int(h.Sum32() % uint32(shards))
}

// Shards returns the number of feed shards.
func (s *Store) Shards() int {
	return s.shards
}

func valuesKey(pair string) string { return fmt.Sprintf("price:%s", pair) }
func seriesKey(pair string) string { return fmt.Sprintf("price:%s:series", pair) }
func excludedKey(pair string) string {
	return fmt.Sprintf("price:%s:excluded", pair)
}

// Append inserts p unless a sample for (pair, time) already exists.
// It returns true when the sample was new and a feed record was emitted.
func (s *Store) Append(ctx context.Context, p models.PricePoint) (bool, error) {
	payload, err := models.MarshalPricePoint(p)
	if err != nil {
		return false, err
	}

	shard := ShardFor(p.Pair, s.shards)
	keys := []string{valuesKey(p.Pair), seriesKey(p.Pair), pairsKey, FeedKey(shard)}
	args := []interface{}{p.Time, strconv.FormatFloat(p.Value, 'f', -1, 64), p.Pair, payload}

	inserted, err := appendScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("append %s@%d failed: %w", p.Pair, p.Time, err)
	}

	if inserted == 0 {
		s.logger.Debug("price_point_exists", "pair", p.Pair, "time", p.Time, "batch", p.Batch)
		return false, nil
	}
	return true, nil
}

// Latest returns the most recent sample of a pair, or nil when the pair is unknown.
func (s *Store) Latest(ctx context.Context, pair string) (*models.PricePoint, error) {
	points, err := s.History(ctx, pair, 1)
	if err != nil || len(points) == 0 {
		return nil, err
	}
	return &points[0], nil
}

// History returns up to limit samples of a pair, newest first.
func (s *Store) History(ctx context.Context, pair string, limit int) ([]models.PricePoint, error) {
	if limit < 1 {
		return nil, nil
	}
	times, err := s.client.ZRevRange(ctx, seriesKey(pair), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE failed: %w", err)
	}
	return s.load(ctx, pair, times)
}

// Before returns up to limit samples of a pair strictly older than t, oldest first.
// A limit <= 0 returns every older sample. Excluded samples are skipped. It is used to
// reconstruct a trailing window on first touch of a pair.
func (s *Store) Before(ctx context.Context, pair string, t int64, limit int) ([]models.PricePoint, error) {
	excluded, err := s.client.SMembers(ctx, excludedKey(pair)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, ts := range excluded {
		skip[ts] = struct{}{}
	}

	by := &redis.ZRangeBy{
		Max: "(" + strconv.FormatInt(t, 10),
		Min: "-inf",
	}
	if limit > 0 {
		by.Count = int64(limit + len(skip))
	}
	members, err := s.client.ZRevRangeByScore(ctx, seriesKey(pair), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGEBYSCORE failed: %w", err)
	}

	times := make([]string, 0, len(members))
	for _, ts := range members {
		if _, ok := skip[ts]; ok {
			continue
		}
		if limit > 0 && len(times) == limit {
			break
		}
		times = append(times, ts)
	}

	points, err := s.load(ctx, pair, times)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// Exclude leaves the sample of pair at t out of every later window reconstruction. The
// sample itself stays in the series.
func (s *Store) Exclude(ctx context.Context, pair string, t int64) error {
	if err := s.client.SAdd(ctx, excludedKey(pair), t).Err(); err != nil {
		return fmt.Errorf("redis SADD failed: %w", err)
	}
	s.logger.Info("price_point_excluded", "pair", pair, "time", t)
	return nil
}

// LatestMany returns the most recent sample of each pair in two pipelined round trips.
// Pairs without samples are absent from the result.
func (s *Store) LatestMany(ctx context.Context, pairs []string) (map[string]models.PricePoint, error) {
	out := make(map[string]models.PricePoint, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	timeCmds := make([]*redis.StringSliceCmd, len(pairs))
	for i, pair := range pairs {
		timeCmds[i] = pipe.ZRevRange(ctx, seriesKey(pair), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("latest times pipeline failed: %w", err)
	}

	pipe = s.client.Pipeline()
	valueCmds := make(map[string]*redis.StringCmd, len(pairs))
	times := make(map[string]int64, len(pairs))
	for i, pair := range pairs {
		members := timeCmds[i].Val()
		if len(members) == 0 {
			continue
		}
		ts, err := strconv.ParseInt(members[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid series member %q: %w", members[0], err)
		}
		times[pair] = ts
		valueCmds[pair] = pipe.HGet(ctx, valuesKey(pair), members[0])
	}
	if len(valueCmds) == 0 {
		return out, nil
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("latest values pipeline failed: %w", err)
	}

	for pair, cmd := range valueCmds {
		v, err := cmd.Float64()
		if err != nil {
			s.logger.Warn("price_value_missing", "pair", pair, "time", times[pair])
			continue
		}
		out[pair] = models.PricePoint{Pair: pair, Value: v, Time: times[pair]}
	}
	return out, nil
}

// Pairs returns every pair with at least one sample, sorted.
func (s *Store) Pairs(ctx context.Context) ([]string, error) {
	pairs, err := s.client.SMembers(ctx, pairsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}
	sort.Strings(pairs)
	return pairs, nil
}

func (s *Store) load(ctx context.Context, pair string, times []string) ([]models.PricePoint, error) {
	if len(times) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, valuesKey(pair), times...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET failed: %w", err)
	}

	points := make([]models.PricePoint, 0, len(times))
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			s.logger.Warn("price_value_missing", "pair", pair, "time", times[i])
			continue
		}
		ts, err := strconv.ParseInt(times[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid series member %q: %w", times[i], err)
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid price %q for %s@%s: %w", str, pair, times[i], err)
		}
		points = append(points, models.PricePoint{Pair: pair, Value: v, Time: ts})
	}
	return points, nil
}
