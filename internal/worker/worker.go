// Package worker consumes conversation jobs from the stream and drives them
// through the dispatcher, with retry, DLQ, and crash-recovery handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/store"
)

type Config struct {
	// Concurrency is the number of goroutines reading and processing jobs.
	Concurrency int
	// MaxAttempts bounds delivery attempts before a job goes to the DLQ.
	MaxAttempts int
}

type Worker struct {
	consumer   *queue.RedisConsumer
	dispatcher *Dispatcher
	cfg        Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer *queue.RedisConsumer, dispatcher *Dispatcher, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Worker{
		consumer:   consumer,
		dispatcher: dispatcher,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Run starts the processing loops. Blocks until Stop() is called or the
// context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	slog.InfoContext(ctx, "worker started", "concurrency", w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()

	slog.InfoContext(ctx, "worker stopped")
	return nil
}

// Stop signals the worker to stop and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			if err := w.processOneBatch(ctx); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		w.ProcessMessage(ctx, msg)
	}
	return nil
}

// ProcessMessage runs one job through the dispatcher and settles it on the
// stream. Exported so the reclaimer can reuse the same error handling.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) {
	jobType := string(msg.Job.Type)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID:      &msg.ID,
		JobType:        &jobType,
		ConversationID: logger.Ptr(msg.Job.ConversationID),
		Component:      "parley.worker",
	})

	span := logger.StartSpanFromTraceID(ctx, msg.Job.TraceID, "worker.process_job")
	defer span.End()
	ctx = span.Context()

	slog.InfoContext(ctx, "processing job", "attempt", msg.Job.Attempt)

	start := time.Now()
	err := w.dispatchSafe(ctx, msg)
	if err == nil {
		if ackErr := w.consumer.AckCompleted(ctx, msg); ackErr != nil {
			// Redelivery is safe: handlers are idempotent under the
			// conversation lock.
			slog.WarnContext(ctx, "failed to ack completed job", "error", ackErr)
		}
		slog.InfoContext(ctx, "job processed",
			"duration_ms", time.Since(start).Milliseconds())
		return
	}

	span.RecordError(err)

	if errors.Is(err, store.ErrNotFound) {
		// Permanent: retrying a job for a missing entity cannot succeed.
		slog.ErrorContext(ctx, "job references missing entity, dropping", "error", err)
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			slog.WarnContext(ctx, "failed to ack dropped job", "error", ackErr)
		}
		return
	}

	w.handleFailure(ctx, msg, err)
}

func (w *Worker) dispatchSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in job processing", "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.dispatcher.Dispatch(ctx, msg.Job)
}

func (w *Worker) handleFailure(ctx context.Context, msg queue.Message, err error) {
	if msg.Job.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"attempts", msg.Job.Attempt,
			"error", err)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send job to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed job",
		"attempt", msg.Job.Attempt,
		"error", err)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue job", "error", requeueErr)
	}
}
