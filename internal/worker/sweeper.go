package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/service"
)

type SweeperConfig struct {
	// Interval between sweep cycles.
	Interval time.Duration
	// Threshold is how long an active conversation may sit untouched before
	// it is considered stalled.
	Threshold time.Duration
}

// Sweeper re-enqueues turns for active conversations that stopped making
// progress. It is the recovery path for lost delayed enqueues and for jobs
// that fell through every retry.
type Sweeper struct {
	tx       service.TxRunner
	producer queue.Producer
	cfg      SweeperConfig

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewSweeper(tx service.TxRunner, producer queue.Producer, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		tx:        tx,
		producer:  producer,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run starts the sweep loop. Blocks until Stop() is called.
func (s *Sweeper) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "parley.worker.sweeper",
	})

	defer close(s.stoppedCh)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "sweeper started",
		"interval", s.cfg.Interval,
		"threshold", s.cfg.Threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			slog.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "sweep cycle error", "error", err)
			}
		}
	}
}

// Stop signals the sweeper to stop gracefully.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.Threshold)

	stalled, err := s.tx.Stores().Conversations().ListStalledActive(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stalled conversations: %w", err)
	}
	if len(stalled) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "found stalled conversations", "count", len(stalled))

	for _, conv := range stalled {
		job, err := s.recoveryJob(ctx, conv)
		if err != nil {
			slog.ErrorContext(ctx, "failed to build sweep job",
				"conversation_id", conv.ID,
				"error", err)
			continue
		}

		// Duplicate jobs are harmless: the conversation lock, the
		// completed-turn count, and the phase check make handlers idempotent.
		if err := s.producer.Enqueue(ctx, job); err != nil {
			slog.ErrorContext(ctx, "failed to enqueue sweep job",
				"conversation_id", conv.ID,
				"error", err)
		}
	}

	return nil
}

func (s *Sweeper) recoveryJob(ctx context.Context, conv model.Conversation) (queue.Job, error) {
	if conv.Status != model.StatusForceAgreement {
		return queue.Job{
			Type:           queue.JobNextTurn,
			ConversationID: conv.ID,
		}, nil
	}

	state, err := s.tx.Stores().Agreements().Get(ctx, conv.ID)
	if err != nil {
		return queue.Job{}, fmt.Errorf("loading agreement state: %w", err)
	}
	return queue.Job{
		Type:           queue.JobForceAgreementPhase,
		ConversationID: conv.ID,
		Phase:          state.Phase.Int(),
	}, nil
}
