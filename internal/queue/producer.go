package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Producer enqueues jobs for worker delivery. Delivery is at-least-once;
// handlers rely on the conversation lock and idempotent operations to
// tolerate duplicates.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	// EnqueueAfter schedules a job after a delay. Used to throttle mid-round
	// turn continuation against runaway loops.
	EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

func (p *redisProducer) Enqueue(ctx context.Context, job Job) error {
	attempt := job.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: jobValues(job, attempt),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued job",
		"job_type", job.Type,
		"conversation_id", job.ConversationID,
		"attempt", attempt)
	return nil
}

func (p *redisProducer) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return p.Enqueue(ctx, job)
	}

	// Fire-and-forget: the delayed add detaches from the caller's context so
	// it survives the enclosing job completing. A lost delayed job is
	// recovered by the stalled-conversation sweep.
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		if err := p.Enqueue(ctx, job); err != nil {
			p.logger.ErrorContext(ctx, "delayed enqueue failed",
				"job_type", job.Type,
				"conversation_id", job.ConversationID,
				"error", err)
		}
	})
	return nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
