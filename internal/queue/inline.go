package queue

import (
	"context"
	"log/slog"
	"time"
)

// HandleFunc processes one job outside the stream machinery.
type HandleFunc func(ctx context.Context, job Job) error

type inlineProducer struct {
	handle HandleFunc
}

// NewInlineProducer returns a Producer that runs jobs in-process on a fresh
// goroutine. It backs single-instance deployments without Redis: delivery is
// at-most-once with no retries, no DLQ, and no crash recovery.
func NewInlineProducer(handle HandleFunc) Producer {
	return &inlineProducer{handle: handle}
}

func (p *inlineProducer) Enqueue(ctx context.Context, job Job) error {
	go func() {
		// Detached from the caller: an HTTP request finishing must not cancel
		// the turn it triggered.
		ctx := context.Background()
		if err := p.handle(ctx, job); err != nil {
			slog.ErrorContext(ctx, "inline job failed",
				"job_type", job.Type,
				"conversation_id", job.ConversationID,
				"error", err)
		}
	}()
	return nil
}

func (p *inlineProducer) EnqueueAfter(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return p.Enqueue(ctx, job)
	}
	time.AfterFunc(delay, func() {
		_ = p.Enqueue(context.Background(), job)
	})
	return nil
}

func (p *inlineProducer) Close() error {
	return nil
}
