// Package deadletter keeps feed records that exhausted their retry budget.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"pricing/internal/models"
)

// StreamKey is the dead-letter stream.
const StreamKey = "price:deadletter"

// seenTTL bounds how long a feed entry is remembered as dead-lettered.
const seenTTL = 7 * 24 * time.Hour

// sendScript appends a dead letter unless the feed entry was already dead-lettered.
var sendScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2]) then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*', 'id', ARGV[1], 'data', ARGV[4])
else
	redis.call('XADD', KEYS[2], '*', 'id', ARGV[1], 'data', ARGV[4])
end
return 1
`)

// RedisSink appends dead letters to a capped Redis stream. Each feed entry is stored at
// most once, however often it is dead-lettered.
type RedisSink struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger
}

// NewRedisSink creates a sink keeping roughly the last maxLen dead letters
// (0 keeps all of them).
func NewRedisSink(client *redis.Client, maxLen int64, logger *slog.Logger) *RedisSink {
	return &RedisSink{
		client: client,
		maxLen: maxLen,
		logger: logger.With("component", "dead_letter_sink"),
	}
}

func seenKey(shard int, streamID string) string {
	return fmt.Sprintf("deadletter:seen:%d:%s", shard, streamID)
}

// Send stores a dead letter, assigning its ID when unset. A second dead letter for the
// same feed entry is dropped.
func (s *RedisSink) Send(ctx context.Context, dl models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}

	jsonBytes, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	keys := []string{seenKey(dl.Shard, dl.StreamID), StreamKey}
	args := []interface{}{dl.ID, int64(seenTTL.Seconds()), s.maxLen, string(jsonBytes)}
	stored, err := sendScript.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("dead letter append failed: %w", err)
	}

	if stored == 0 {
		s.logger.Warn("dead_letter_duplicate",
			"stream_id", dl.StreamID,
			"shard", dl.Shard,
		)
		return nil
	}

	s.logger.Info("dead_letter_stored",
		"id", dl.ID,
		"stream_id", dl.StreamID,
		"shard", dl.Shard,
	)
	return nil
}

// List returns up to limit dead letters, newest first.
func (s *RedisSink) List(ctx context.Context, limit int64) ([]models.DeadLetter, error) {
	if limit < 1 {
		return nil, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, StreamKey, "+", "-", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("redis XREVRANGE failed: %w", err)
	}

	out := make([]models.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			s.logger.Warn("dead_letter_unreadable", "entry_id", msg.ID)
			continue
		}
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			return nil, fmt.Errorf("json unmarshal failed for %s: %w", msg.ID, err)
		}
		out = append(out, dl)
	}
	return out, nil
}
