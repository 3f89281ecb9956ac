package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/common/logger"
	"github.com/redis/go-redis/v9"
)

type ConsumerConfig struct {
	Stream          string        // Redis stream name
	Group           string        // Redis consumer group name
	Consumer        string        // Redis consumer name
	DLQStream       string        // Dead letter queue stream for failed jobs
	CompletedStream string        // Bounded record of completed jobs for inspection
	BatchSize       int64         // Number of jobs to read per batch
	Block           time.Duration // How long to block/poll for new jobs
	MaxAttempts     int           // Maximum retry attempts before moving to DLQ
	RetryBackoff    time.Duration // Base delay before retrying failed jobs, doubled per attempt
}

const (
	// Completed/failed job records are retained in bounded amounts for
	// operational inspection.
	completedStreamMaxLen = 100
	dlqStreamMaxLen       = 50
)

// JobProcessor processes a delivered job.
type JobProcessor func(ctx context.Context, msg Message) error

type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
}

func NewRedisConsumer(client *redis.Client, cfg ConsumerConfig) (*RedisConsumer, error) {
	consumer := &RedisConsumer{
		client: client,
		cfg:    cfg,
	}

	if err := consumer.ensureGroup(context.Background()); err != nil { //nolint:contextcheck
		return nil, err
	}

	return consumer, nil
}

func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	// Consumer groups are just readers, jobs live in the stream itself.
	// Starting from "0" instead of "$" means we don't lose jobs during restarts.
	if err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err(); err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "parley.queue.consumer",
	})

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		// > = new jobs not yet delivered to anyone. Unacked jobs are handled
		// by the reclaimer on a separate goroutine.
		Streams: []string{c.cfg.Stream, ">"},
		Count:   c.cfg.BatchSize,
		Block:   c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			parsed, parseErr := ParseMessage(msg)
			if parseErr != nil {
				slog.ErrorContext(ctx, "failed to parse job",
					"error", parseErr,
					"raw_message_id", msg.ID,
					"stream", c.cfg.Stream)
				_ = c.Ack(ctx, Message{ID: msg.ID, Raw: msg})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		slog.DebugContext(ctx, "read jobs from stream",
			"count", len(messages),
			"stream", c.cfg.Stream,
			"consumer", c.cfg.Consumer)
	}

	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}

	slog.DebugContext(ctx, "job acknowledged", "stream", c.cfg.Stream)
	return nil
}

// AckCompleted acknowledges a job and records it in the bounded completed
// stream for operator inspection.
func (c *RedisConsumer) AckCompleted(ctx context.Context, msg Message) error {
	if err := c.Ack(ctx, msg); err != nil {
		return err
	}

	if c.cfg.CompletedStream == "" {
		return nil
	}

	values := jobValues(msg.Job, msg.Job.Attempt)
	values["completed_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.CompletedStream,
		MaxLen: completedStreamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		// Bookkeeping only, never fail the job over it.
		slog.WarnContext(ctx, "failed to record completed job", "error", err)
	}
	return nil
}

// Requeue re-adds the job with an incremented attempt, after an exponential
// backoff delay derived from the attempt count. The delay is scheduled on a
// timer so the consuming goroutine keeps reading instead of blocking on one
// job's backoff.
func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, errMsg string) error {
	nextAttempt := msg.Job.Attempt + 1

	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed job for requeue: %w", err)
	}

	values := jobValues(msg.Job, nextAttempt)
	if errMsg != "" {
		values["last_error"] = errMsg
	}

	if delay := c.backoff(msg.Job.Attempt); delay > 0 {
		time.AfterFunc(delay, func() {
			// The delivery context is long gone when the timer fires.
			c.readd(context.Background(), values, nextAttempt, errMsg)
		})
		return nil
	}

	if err := c.readd(ctx, values, nextAttempt, errMsg); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}
	return nil
}

func (c *RedisConsumer) readd(ctx context.Context, values map[string]any, nextAttempt int, errMsg string) error {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.Stream,
		Values: values,
	}).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to re-add job after backoff",
			"next_attempt", nextAttempt,
			"error", err)
		return err
	}

	slog.InfoContext(ctx, "job requeued for retry",
		"next_attempt", nextAttempt,
		"reason", errMsg)
	return nil
}

func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, errMsg string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking failed job for dlq: %w", err)
	}

	values := jobValues(msg.Job, msg.Job.Attempt)
	values["error"] = errMsg

	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.cfg.DLQStream,
		MaxLen: dlqStreamMaxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	slog.ErrorContext(ctx, "job sent to DLQ",
		"final_error", errMsg,
		"dlq_stream", c.cfg.DLQStream)
	return nil
}

// backoff returns the retry delay for a given completed attempt count:
// base, 2*base, 4*base, ...
func (c *RedisConsumer) backoff(attempt int) time.Duration {
	if c.cfg.RetryBackoff <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	return c.cfg.RetryBackoff << (attempt - 1)
}
