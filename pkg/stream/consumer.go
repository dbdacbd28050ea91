// Package stream consumes Debezium change events from Redis Streams.
//
// The consumer group is single-consumer per partition by deployment: the
// batching loop owns the acknowledgement state, so running two consumers
// against the same group is unsupported.
package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoStreams is returned by Read when no stream matches the configured
// pattern yet. Callers back off and retry; Debezium creates the streams on
// first captured change.
var ErrNoStreams = errors.New("no streams match pattern")

// Config holds broker connection and consumer-group settings.
type Config struct {
	Addr          string
	Password      string
	Group         string
	ConsumerName  string
	StreamPattern string
}

// DefaultConfig returns the reference consumer-group settings.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		Group:         "etrap-agent",
		ConsumerName:  "agent-1",
		StreamPattern: "etrap.public.*",
	}
}

// Consumer reads change events from all streams matching a pattern through
// one consumer group.
type Consumer struct {
	rdb *redis.Client
	cfg Config
	log *zap.Logger

	// groups already created, to avoid re-issuing XGROUP CREATE per read
	known map[string]bool
}

// NewConsumer connects to the broker. The connection is verified lazily on
// first use.
func NewConsumer(cfg Config, log *zap.Logger) *Consumer {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	return &Consumer{
		rdb:   rdb,
		cfg:   cfg,
		log:   log,
		known: make(map[string]bool),
	}
}

// Close releases the broker connection.
func (c *Consumer) Close() error {
	return c.rdb.Close()
}

// discover lists matching streams and makes sure the consumer group exists
// on each, ignoring BUSYGROUP for groups created earlier.
func (c *Consumer) discover(ctx context.Context) ([]string, error) {
	streams, err := c.rdb.Keys(ctx, c.cfg.StreamPattern).Result()
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}
	for _, s := range streams {
		if c.known[s] {
			continue
		}
		err := c.rdb.XGroupCreate(ctx, s, c.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, err
		}
		if err == nil {
			c.log.Info("created consumer group", zap.String("stream", s), zap.String("group", c.cfg.Group))
		}
		c.known[s] = true
	}
	return streams, nil
}

// Read blocks up to block for at most count new messages across all matching
// streams. A timeout returns an empty slice and no error.
func (c *Consumer) Read(ctx context.Context, count int, block time.Duration) ([]Message, error) {
	streams, err := c.discover(ctx)
	if err != nil {
		return nil, err
	}

	args := &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.ConsumerName,
		Streams:  streamArgs(streams),
		Count:    int64(count),
		Block:    block,
	}
	res, err := c.rdb.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, xs := range res {
		for _, m := range xs.Messages {
			out = append(out, Message{Stream: xs.Stream, ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// Ack acknowledges one message to the consumer group.
func (c *Consumer) Ack(ctx context.Context, streamName, messageID string) error {
	return c.rdb.XAck(ctx, streamName, c.cfg.Group, messageID).Err()
}

func streamArgs(streams []string) []string {
	out := make([]string, 0, 2*len(streams))
	out = append(out, streams...)
	for range streams {
		out = append(out, ">")
	}
	return out
}
