// Package scheduler drives single-conversation turn-taking. All state
// mutation happens under the per-conversation lock; the count of completed
// agent messages is the only turn cursor.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/llm"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/lock"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/store"
)

// CreditLedger mirrors ledger.Ledger, defined here for testability.
type CreditLedger interface {
	CheckSufficient(ctx context.Context, userID int64, minimumCents int64) (bool, error)
	Deduct(ctx context.Context, userID int64, amountCents int64, txType model.CreditTransactionType, referenceID string) error
}

type Config struct {
	// LockTTL bounds the blast radius of a crashed lock holder.
	LockTTL time.Duration
	// TurnDelay throttles mid-round continuation against runaway loops.
	TurnDelay time.Duration
	// MinTurnCostCents is the floor used for the pre-generation credit check.
	MinTurnCostCents int64
}

type Scheduler struct {
	tx        service.TxRunner
	locker    lock.Locker
	ledger    CreditLedger
	publisher events.Publisher
	cache     cache.SessionCache
	llm       llm.Client
	producer  queue.Producer
	cfg       Config
}

func New(
	tx service.TxRunner,
	locker lock.Locker,
	creditLedger CreditLedger,
	publisher events.Publisher,
	sessionCache cache.SessionCache,
	client llm.Client,
	producer queue.Producer,
	cfg Config,
) *Scheduler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 120 * time.Second
	}
	if cfg.MinTurnCostCents <= 0 {
		cfg.MinTurnCostCents = 1
	}
	return &Scheduler{
		tx:        tx,
		locker:    locker,
		ledger:    creditLedger,
		publisher: publisher,
		cache:     sessionCache,
		llm:       client,
		producer:  producer,
		cfg:       cfg,
	}
}

// StartConversation seeds a conversation with its initial system message and
// enqueues the first turn. Idempotent: if any message already exists the
// start job was delivered before, and this is a no-op.
func (s *Scheduler) StartConversation(ctx context.Context, conversationID int64, initialPrompt string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Component:      "parley.scheduler",
	})

	held, err := lock.WithLock(ctx, s.locker, lock.ConversationKey(conversationID), s.cfg.LockTTL, func(ctx context.Context) error {
		conv, err := s.tx.Stores().Conversations().GetByID(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}

		exists, err := s.tx.Stores().Messages().HasAny(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("checking existing messages: %w", err)
		}
		if exists {
			slog.InfoContext(ctx, "conversation already started, skipping duplicate start job")
			return nil
		}

		now := time.Now().UTC()
		msg := &model.Message{
			ID:             id.New(),
			ConversationID: conversationID,
			Role:           model.MessageRoleSystem,
			RoundNumber:    conv.CurrentRound,
			Content:        initialPrompt,
			CompletedAt:    &now,
		}
		if err := s.tx.Stores().Messages().Create(ctx, msg); err != nil {
			return fmt.Errorf("creating system message: %w", err)
		}

		s.setSession(ctx, conversationID, &model.SessionState{
			Status:       model.SessionStatusIdle,
			CurrentRound: conv.CurrentRound,
		})

		s.publisher.Publish(ctx, conversationID, events.New(events.TypeMessageComplete, map[string]any{
			"message_id": msg.ID,
			"role":       msg.Role,
			"content":    msg.Content,
			"round":      msg.RoundNumber,
		}))

		return s.producer.Enqueue(ctx, queue.Job{
			Type:           queue.JobNextTurn,
			ConversationID: conversationID,
		})
	})
	if err != nil {
		return err
	}
	if !held {
		slog.InfoContext(ctx, "conversation locked elsewhere, skipping start")
	}
	return nil
}

// AdvanceTurn executes one atomic turn step: pick the participant whose turn
// it is, generate their message, charge the owner, and schedule whatever
// comes next. Lock-acquisition failure means another worker owns this step
// and is a silent no-op.
func (s *Scheduler) AdvanceTurn(ctx context.Context, conversationID int64) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Component:      "parley.scheduler",
	})

	held, err := lock.WithLock(ctx, s.locker, lock.ConversationKey(conversationID), s.cfg.LockTTL, func(ctx context.Context) error {
		return s.advanceTurnLocked(ctx, conversationID)
	})
	if err != nil {
		return err
	}
	if !held {
		slog.InfoContext(ctx, "conversation locked elsewhere, skipping turn")
	}
	return nil
}

func (s *Scheduler) advanceTurnLocked(ctx context.Context, conversationID int64) error {
	sp := s.tx.Stores()

	conv, err := sp.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{UserID: logger.Ptr(conv.OwnerID)})

	if conv.Status != model.StatusActive {
		slog.InfoContext(ctx, "conversation not active, skipping turn", "status", conv.Status)
		return nil
	}

	participants, err := sp.Participants().ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading participants: %w", err)
	}
	if len(participants) == 0 {
		return fmt.Errorf("conversation %d has no participants: %w", conversationID, store.ErrNotFound)
	}

	if conv.DebateFinished() {
		return s.complete(ctx, conv)
	}

	agentTurns, err := sp.Messages().CountAgentTurns(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("counting agent turns: %w", err)
	}
	turnIndex := agentTurns % len(participants)
	active := participants[turnIndex]

	sufficient, err := s.ledger.CheckSufficient(ctx, conv.OwnerID, s.cfg.MinTurnCostCents)
	if err != nil {
		return fmt.Errorf("checking credits: %w", err)
	}
	if !sufficient {
		// Recoverable, not fatal: the user tops up and resumes.
		return s.pauseForCredits(ctx, conv)
	}

	s.publisher.Publish(ctx, conversationID, events.New(events.TypeTurnChange, map[string]any{
		"agent_id":   active.AgentID,
		"agent_name": active.AgentName,
		"round":      conv.CurrentRound,
	}))
	s.setSession(ctx, conversationID, &model.SessionState{
		Status:         model.SessionStatusGenerating,
		CurrentAgentID: logger.Ptr(active.AgentID),
		CurrentRound:   conv.CurrentRound,
	})

	transcript, err := sp.Messages().ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}

	placeholder := &model.Message{
		ID:             id.New(),
		ConversationID: conversationID,
		AgentID:        logger.Ptr(active.AgentID),
		Role:           model.MessageRoleAgent,
		RoundNumber:    conv.CurrentRound,
	}
	if err := sp.Messages().Create(ctx, placeholder); err != nil {
		return fmt.Errorf("creating placeholder message: %w", err)
	}

	s.publisher.Publish(ctx, conversationID, events.New(events.TypeMessageStart, map[string]any{
		"message_id": placeholder.ID,
		"agent_id":   active.AgentID,
		"agent_name": active.AgentName,
	}))

	resp, err := s.llm.Complete(ctx, buildTurnRequest(conv, participants, transcript, active))
	if err != nil {
		return fmt.Errorf("generating turn for agent %d: %w", active.AgentID, err)
	}

	if err := sp.Messages().AttachResult(ctx, placeholder.ID, resp.Content, resp.CostCents); err != nil {
		return fmt.Errorf("attaching generation result: %w", err)
	}

	if err := s.ledger.Deduct(ctx, conv.OwnerID, resp.CostCents, model.TransactionTypeMessageGeneration, fmt.Sprint(placeholder.ID)); err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			// The balance drained mid-generation. The message stands; the
			// conversation pauses until the user tops up.
			slog.WarnContext(ctx, "balance drained mid-generation, pausing")
			return s.pauseForCredits(ctx, conv)
		}
		return fmt.Errorf("deducting generation cost: %w", err)
	}

	s.publisher.Publish(ctx, conversationID, events.New(events.TypeMessageComplete, map[string]any{
		"message_id": placeholder.ID,
		"agent_id":   active.AgentID,
		"agent_name": active.AgentName,
		"content":    resp.Content,
		"cost_cents": resp.CostCents,
		"round":      conv.CurrentRound,
	}))
	s.publisher.Publish(ctx, conversationID, events.New(events.TypeCreditUpdate, map[string]any{
		"user_id":     conv.OwnerID,
		"spent_cents": resp.CostCents,
	}))

	roundComplete := (turnIndex+1)%len(participants) == 0

	// Reload before mutating: a user pause may have landed mid-generation
	// and must not be clobbered.
	fresh, err := sp.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("reloading conversation: %w", err)
	}
	if roundComplete {
		fresh.CurrentRound++
	}
	fresh.TotalCostCents += resp.CostCents
	if err := sp.Conversations().Update(ctx, fresh); err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	// A buffered interjection takes priority over normal continuation.
	if pending, ok, err := s.cache.TakeInterjection(ctx, conversationID); err != nil {
		slog.WarnContext(ctx, "failed to read pending interjection", "error", err)
	} else if ok {
		return s.producer.Enqueue(ctx, queue.Job{
			Type:           queue.JobProcessInterjection,
			ConversationID: conversationID,
			Content:        pending,
		})
	}

	if roundComplete {
		if fresh.DebateFinished() {
			return s.complete(ctx, fresh)
		}

		s.publisher.Publish(ctx, conversationID, events.New(events.TypeRoundComplete, map[string]any{
			"round": fresh.CurrentRound - 1,
		}))
		s.publisher.Publish(ctx, conversationID, events.New(events.TypeWaitingForInput, map[string]any{
			"round": fresh.CurrentRound,
		}))
		s.setSession(ctx, conversationID, &model.SessionState{
			Status:       model.SessionStatusWaiting,
			CurrentRound: fresh.CurrentRound,
		})
		// The mode requires a user nudge between rounds: no auto-enqueue.
		return nil
	}

	if fresh.Status != model.StatusActive {
		slog.InfoContext(ctx, "conversation no longer active, not continuing", "status", fresh.Status)
		return nil
	}

	s.setSession(ctx, conversationID, &model.SessionState{
		Status:       model.SessionStatusIdle,
		CurrentRound: fresh.CurrentRound,
	})
	return s.producer.EnqueueAfter(ctx, queue.Job{
		Type:           queue.JobNextTurn,
		ConversationID: conversationID,
	}, s.cfg.TurnDelay)
}

// ProcessInterjection appends a user message and continues the conversation.
// Interjection jobs are otherwise equivalent to next-turn jobs.
func (s *Scheduler) ProcessInterjection(ctx context.Context, conversationID int64, content string) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Component:      "parley.scheduler",
	})

	held, err := lock.WithLock(ctx, s.locker, lock.ConversationKey(conversationID), s.cfg.LockTTL, func(ctx context.Context) error {
		sp := s.tx.Stores()

		conv, err := sp.Conversations().GetByID(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		if conv.Status == model.StatusCompleted {
			slog.InfoContext(ctx, "conversation completed, dropping interjection")
			return nil
		}

		now := time.Now().UTC()
		msg := &model.Message{
			ID:             id.New(),
			ConversationID: conversationID,
			Role:           model.MessageRoleUser,
			RoundNumber:    conv.CurrentRound,
			Content:        content,
			CompletedAt:    &now,
		}
		if err := sp.Messages().Create(ctx, msg); err != nil {
			return fmt.Errorf("creating interjection message: %w", err)
		}

		s.publisher.Publish(ctx, conversationID, events.New(events.TypeMessageComplete, map[string]any{
			"message_id": msg.ID,
			"role":       msg.Role,
			"content":    msg.Content,
			"round":      msg.RoundNumber,
		}))

		if conv.Status != model.StatusActive {
			return nil
		}
		return s.producer.Enqueue(ctx, queue.Job{
			Type:           queue.JobNextTurn,
			ConversationID: conversationID,
		})
	})
	if err != nil {
		return err
	}
	if !held {
		slog.InfoContext(ctx, "conversation locked elsewhere, skipping interjection")
	}
	return nil
}

// Interject is the API entry point. If a generation is in flight the content
// is buffered (at most one outstanding); otherwise a process-interjection job
// is enqueued directly.
func (s *Scheduler) Interject(ctx context.Context, conversationID int64, content string) error {
	state, err := s.cache.GetSession(ctx, conversationID)
	if err != nil {
		slog.WarnContext(ctx, "failed to read session state", "error", err)
	}

	if state != nil && state.Status == model.SessionStatusGenerating {
		buffered, err := s.cache.BufferInterjection(ctx, conversationID, content)
		if err != nil {
			slog.WarnContext(ctx, "failed to buffer interjection", "error", err)
		} else if buffered {
			return nil
		}
	}

	return s.producer.Enqueue(ctx, queue.Job{
		Type:           queue.JobProcessInterjection,
		ConversationID: conversationID,
		Content:        content,
	})
}

// Pause stops future turns from being scheduled. An in-flight generation
// always completes and is charged; pausing only prevents the next step.
func (s *Scheduler) Pause(ctx context.Context, conversationID int64) error {
	return s.tx.WithTx(ctx, func(sp service.StoreProvider) error {
		conv, err := sp.Conversations().GetByID(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		if conv.Status != model.StatusActive {
			return fmt.Errorf("cannot pause conversation in status %s", conv.Status)
		}

		conv.Status = model.StatusPaused
		if err := sp.Conversations().Update(ctx, conv); err != nil {
			return err
		}

		s.setSession(ctx, conversationID, &model.SessionState{
			Status:       model.SessionStatusPaused,
			CurrentRound: conv.CurrentRound,
		})
		return nil
	})
}

// Resume reactivates a paused conversation. An interrupted force-agreement
// run re-enters its persisted phase; anything else gets the next turn.
func (s *Scheduler) Resume(ctx context.Context, conversationID int64) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Component:      "parley.scheduler",
	})

	var next queue.Job
	err := s.tx.WithTx(ctx, func(sp service.StoreProvider) error {
		conv, err := sp.Conversations().GetByID(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		if conv.Status != model.StatusPaused {
			slog.InfoContext(ctx, "conversation not paused, skipping resume", "status", conv.Status)
			return nil
		}

		state, err := sp.Agreements().Get(ctx, conversationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("loading agreement state: %w", err)
		}

		if state != nil && !state.Phase.Terminal() {
			conv.Status = model.StatusForceAgreement
			next = queue.Job{
				Type:           queue.JobForceAgreementPhase,
				ConversationID: conversationID,
				Phase:          state.Phase.Int(),
			}
		} else {
			conv.Status = model.StatusActive
			next = queue.Job{
				Type:           queue.JobNextTurn,
				ConversationID: conversationID,
			}
		}
		return sp.Conversations().Update(ctx, conv)
	})
	if err != nil {
		return err
	}
	if next.Type == "" {
		return nil
	}

	s.setSession(ctx, conversationID, &model.SessionState{
		Status: model.SessionStatusIdle,
	})
	return s.producer.Enqueue(ctx, next)
}

func (s *Scheduler) pauseForCredits(ctx context.Context, conv *model.Conversation) error {
	conv.Status = model.StatusPaused
	if err := s.tx.Stores().Conversations().Update(ctx, conv); err != nil {
		return fmt.Errorf("pausing conversation: %w", err)
	}

	s.publisher.Publish(ctx, conv.ID, events.NewError(events.CodeInsufficientCredits,
		"Not enough credits to continue this conversation. Top up to resume."))
	s.setSession(ctx, conv.ID, &model.SessionState{
		Status:       model.SessionStatusPaused,
		CurrentRound: conv.CurrentRound,
	})

	slog.InfoContext(ctx, "conversation paused for insufficient credits")
	return nil
}

func (s *Scheduler) complete(ctx context.Context, conv *model.Conversation) error {
	conv.Status = model.StatusCompleted
	if err := s.tx.Stores().Conversations().Update(ctx, conv); err != nil {
		return fmt.Errorf("completing conversation: %w", err)
	}

	s.publisher.Publish(ctx, conv.ID, events.New(events.TypeConversationComplete, map[string]any{
		"total_cost_cents": conv.TotalCostCents,
		"rounds":           conv.CurrentRound - 1,
	}))
	s.setSession(ctx, conv.ID, &model.SessionState{
		Status:       model.SessionStatusCompleted,
		CurrentRound: conv.CurrentRound,
	})

	slog.InfoContext(ctx, "conversation completed")
	return nil
}

func (s *Scheduler) setSession(ctx context.Context, conversationID int64, state *model.SessionState) {
	if err := s.cache.SetSession(ctx, conversationID, state); err != nil {
		slog.WarnContext(ctx, "failed to update session state", "error", err)
	}
}
