package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"pricing/internal/models"
	"pricing/internal/pricestore"
)

// Stream reads one feed shard through a Redis Streams consumer group.
//
// Entries are delivered at least once: XREADGROUP hands them out, XACK retires them after
// the group commits. Entries that were delivered but never acknowledged (a crash or a
// failed group) are read again from the pending list.
type Stream struct {
	client        *redis.Client
	shard         int
	streamKey     string
	consumerGroup string
	consumerName  string
	block         time.Duration
	count         int64
	logger        *slog.Logger
}

// StreamConfig holds stream subscription settings.
type StreamConfig struct {
	ConsumerGroup string        // e.g., "stddev"
	ConsumerName  string        // e.g., "aggregator-1"
	Block         time.Duration // How long to block waiting for entries
	Count         int64         // Entries per group
}

// NewStream creates the subscription of a shard. Call Init before reading.
func NewStream(client *redis.Client, shard int, cfg StreamConfig, logger *slog.Logger) *Stream {
	key := pricestore.FeedKey(shard)
	return &Stream{
		client:        client,
		shard:         shard,
		streamKey:     key,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		block:         cfg.Block,
		count:         cfg.Count,
		logger:        logger.With("component", "stream", "stream_key", key),
	}
}

// Init creates the consumer group if it doesn't exist. The stream is created along with
// it, and a new group starts from the beginning of the feed.
func (s *Stream) Init(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.streamKey, s.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	s.logger.Info("stream_initialized",
		"consumer_group", s.consumerGroup,
		"consumer_name", s.consumerName,
	)
	return nil
}

// Read returns the next group of at most Count entries. With pending set it re-reads
// entries delivered to this consumer but not yet acknowledged, oldest first, without
// blocking. Otherwise it blocks for new entries; an empty result means none arrived.
func (s *Stream) Read(ctx context.Context, pending bool) ([]models.FeedRecord, error) {
	id := ">"
	block := s.block
	if pending {
		id = "0"
		block = -1
	}

	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.consumerGroup,
		Consumer: s.consumerName,
		Streams:  []string{s.streamKey, id},
		Count:    s.count,
		Block:    block,
		NoAck:    false, // explicitly XACK after the group commits
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var records []models.FeedRecord
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			records = append(records, s.decode(msg))
		}
	}
	return records, nil
}

// Ack retires committed entries.
func (s *Stream) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.streamKey, s.consumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	s.logger.Debug("entries_acknowledged", "count", len(ids), "last_id", ids[len(ids)-1])
	return nil
}

// decode turns a stream entry into a FeedRecord. Entries that cannot be decoded are
// kept with ParseErr set so they flow through isolation rather than being dropped.
func (s *Stream) decode(msg redis.XMessage) models.FeedRecord {
	rec := models.FeedRecord{ID: msg.ID, Shard: s.shard}

	// Message format is: {data: <json>}
	dataField, ok := msg.Values["data"]
	if !ok {
		rec.ParseErr = &models.PayloadError{Field: "data", Reason: "stream entry has no data field"}
		return rec
	}

	data, ok := dataField.(string)
	if !ok {
		rec.ParseErr = &models.PayloadError{Field: "data", Reason: "stream entry data is not a string"}
		return rec
	}
	rec.Data = data

	point, err := models.ParsePricePoint(data)
	if err != nil {
		rec.ParseErr = err
		return rec
	}
	rec.Point = point
	return rec
}
