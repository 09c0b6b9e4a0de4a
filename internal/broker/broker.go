// Package broker consumes commit jobs from a Redis stream and drives
// the commit engine.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/3leaps/pubgate/pkg/commit"
	"github.com/3leaps/pubgate/pkg/publish"
)

// Handler processes one commit job. A non-nil error leaves the message
// pending for redelivery; nil acknowledges it.
type Handler func(ctx context.Context, job commit.Job) error

// Config configures the stream consumer.
type Config struct {
	// URL is a redis:// connection string.
	URL string

	// Stream is the commit job stream. Default: "pubgate:commits".
	Stream string

	// Group is the consumer group name. Default: "pubgate".
	Group string

	// Consumer is this process's consumer name, typically hostname+pid.
	Consumer string

	// Block bounds each read. Default: 5 seconds.
	Block time.Duration
}

// Consumer reads commit jobs from one stream as part of a consumer
// group, so multiple worker processes share the stream without
// duplicate delivery.
type Consumer struct {
	client  *redis.Client
	cfg     Config
	handler Handler
	log     *zap.Logger
}

// New connects to Redis and ensures the consumer group exists.
func New(ctx context.Context, cfg Config, handler Handler, log *zap.Logger) (*Consumer, error) {
	if cfg.Stream == "" {
		cfg.Stream = "pubgate:commits"
	}
	if cfg.Group == "" {
		cfg.Group = "pubgate"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "pubgate-worker"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	err = client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &Consumer{client: client, cfg: cfg, handler: handler, log: log}, nil
}

// Close releases the Redis connection.
func (c *Consumer) Close() error {
	return c.client.Close()
}

// Run consumes jobs until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("Broker consumer started",
		zap.String("stream", c.cfg.Stream),
		zap.String("group", c.cfg.Group),
		zap.String("consumer", c.cfg.Consumer))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, ">"},
			Count:    1,
			Block:    c.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("Broker read failed", zap.Error(err))
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.process(ctx, msg)
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	job, err := ParseJob(msg.Values)
	if err != nil {
		// Malformed messages are acknowledged and dropped; they would
		// never become valid on redelivery.
		c.log.Error("Discarding malformed commit message",
			zap.String("stream_id", msg.ID),
			zap.Error(err))
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.handler(ctx, job); err != nil {
		// Left pending for redelivery by XAUTOCLAIM or group restart.
		c.log.Error("Commit handler failed",
			zap.String("stream_id", msg.ID),
			zap.String("task_id", job.TaskID.String()),
			zap.Error(err))
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		c.log.Error("Failed to ack message",
			zap.String("stream_id", id),
			zap.Error(err))
	}
}

// ParseJob unpacks a commit job from stream message fields. The
// message_id field, a UUID assigned at enqueue time, doubles as the
// task ID.
func ParseJob(values map[string]any) (commit.Job, error) {
	str := func(key string) string {
		v, _ := values[key].(string)
		return v
	}

	taskID, err := uuid.Parse(str("message_id"))
	if err != nil {
		return commit.Job{}, fmt.Errorf("invalid message_id: %w", err)
	}
	publishID, err := uuid.Parse(str("publish_id"))
	if err != nil {
		return commit.Job{}, fmt.Errorf("invalid publish_id: %w", err)
	}

	env := str("env")
	if env == "" {
		return commit.Job{}, errors.New("missing env")
	}
	fromDate := str("from_date")
	if fromDate == "" {
		return commit.Job{}, errors.New("missing from_date")
	}

	mode := publish.CommitMode(str("commit_mode"))
	switch mode {
	case "", publish.Phase1, publish.Phase2:
	default:
		return commit.Job{}, fmt.Errorf("invalid commit_mode %q", mode)
	}

	return commit.Job{
		TaskID:    taskID,
		PublishID: publishID,
		Env:       env,
		FromDate:  fromDate,
		Mode:      mode,
	}, nil
}
