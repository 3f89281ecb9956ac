package worker

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/queue"
)

// TurnScheduler is the scheduler surface the dispatcher needs.
type TurnScheduler interface {
	StartConversation(ctx context.Context, conversationID int64, initialPrompt string) error
	AdvanceTurn(ctx context.Context, conversationID int64) error
	ProcessInterjection(ctx context.Context, conversationID int64, content string) error
	Resume(ctx context.Context, conversationID int64) error
}

// PhaseRunner is the consensus surface the dispatcher needs.
type PhaseRunner interface {
	RunPhase(ctx context.Context, conversationID int64, phaseCode int) error
}

// Dispatcher routes parsed jobs to their handlers. The switch is exhaustive
// over the closed job-type set; an unknown type here means ParseMessage and
// this switch have drifted apart.
type Dispatcher struct {
	scheduler TurnScheduler
	consensus PhaseRunner
}

func NewDispatcher(scheduler TurnScheduler, consensus PhaseRunner) *Dispatcher {
	return &Dispatcher{scheduler: scheduler, consensus: consensus}
}

func (d *Dispatcher) Dispatch(ctx context.Context, job queue.Job) error {
	switch job.Type {
	case queue.JobStartConversation:
		return d.scheduler.StartConversation(ctx, job.ConversationID, job.InitialPrompt)
	case queue.JobNextTurn:
		return d.scheduler.AdvanceTurn(ctx, job.ConversationID)
	case queue.JobProcessInterjection:
		return d.scheduler.ProcessInterjection(ctx, job.ConversationID, job.Content)
	case queue.JobForceAgreementPhase:
		return d.consensus.RunPhase(ctx, job.ConversationID, job.Phase)
	case queue.JobResumeConversation:
		return d.scheduler.Resume(ctx, job.ConversationID)
	default:
		return fmt.Errorf("no handler for job type %q", job.Type)
	}
}
