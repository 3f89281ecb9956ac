// Package consensus runs the force-agreement sub-protocol for collaborate
// conversations: collect each agent's hard requirements, draft a synthesis,
// vote, and either complete on unanimity or force a resolution once the
// iteration bound is hit.
package consensus

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

// errPausedForCredits stops a phase run without failing the job. The
// conversation is left paused; resume re-enters the persisted phase.
var errPausedForCredits = errors.New("paused for insufficient credits")

type Config struct {
	LockTTL          time.Duration
	MinTurnCostCents int64
}

type Coordinator struct {
	tx           service.TxRunner
	locker       lock.Locker
	ledger       CreditLedger
	publisher    events.Publisher
	cache        cache.SessionCache
	agentLLM     llm.Client
	synthesisLLM llm.Client
	producer     queue.Producer
	cfg          Config
}

func New(
	tx service.TxRunner,
	locker lock.Locker,
	creditLedger CreditLedger,
	publisher events.Publisher,
	sessionCache cache.SessionCache,
	agentClient llm.Client,
	synthesisClient llm.Client,
	producer queue.Producer,
	cfg Config,
) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 300 * time.Second
	}
	if cfg.MinTurnCostCents <= 0 {
		cfg.MinTurnCostCents = 1
	}
	return &Coordinator{
		tx:           tx,
		locker:       locker,
		ledger:       creditLedger,
		publisher:    publisher,
		cache:        sessionCache,
		agentLLM:     agentClient,
		synthesisLLM: synthesisClient,
		producer:     producer,
		cfg:          cfg,
	}
}

// Begin switches a collaborate conversation into force agreement and enqueues
// the collection phase. Idempotent: a conversation already in force agreement
// is left alone.
func (c *Coordinator) Begin(ctx context.Context, conversationID int64) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Component:      "parley.consensus",
	})

	held, err := lock.WithLock(ctx, c.locker, lock.ConversationKey(conversationID), c.cfg.LockTTL, func(ctx context.Context) error {
		sp := c.tx.Stores()

		conv, err := sp.Conversations().GetByID(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("loading conversation: %w", err)
		}
		if conv.Status == model.StatusForceAgreement {
			slog.InfoContext(ctx, "force agreement already in progress, skipping")
			return nil
		}
		if conv.Mode != model.ModeCollaborate {
			return fmt.Errorf("force agreement requires collaborate mode, conversation %d is %s", conversationID, conv.Mode)
		}
		if conv.Status != model.StatusActive {
			return fmt.Errorf("cannot force agreement on conversation in status %s", conv.Status)
		}

		conv.Status = model.StatusForceAgreement
		if err := sp.Conversations().Update(ctx, conv); err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}

		state := model.NewAgreementState()
		if err := sp.Agreements().Save(ctx, conversationID, state); err != nil {
			return fmt.Errorf("saving agreement state: %w", err)
		}

		c.publishPhase(ctx, conversationID, state)
		c.setSession(ctx, conversationID, state, model.SessionStatusGenerating)

		return c.producer.Enqueue(ctx, queue.Job{
			Type:           queue.JobForceAgreementPhase,
			ConversationID: conversationID,
			Phase:          state.Phase.Int(),
		})
	})
	if err != nil {
		return err
	}
	if !held {
		slog.InfoContext(ctx, "conversation locked elsewhere, skipping force agreement start")
	}
	return nil
}

// RunPhase executes one phase of the protocol under the conversation lock.
// A phase job whose code no longer matches the persisted state is a stale
// duplicate and is dropped. Every non-terminal phase enqueues exactly one
// follow-up job.
func (c *Coordinator) RunPhase(ctx context.Context, conversationID int64, phaseCode int) error {
	phase, err := model.PhaseFromInt(phaseCode)
	if err != nil {
		return err
	}

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Phase:          logger.Ptr(string(phase)),
		Component:      "parley.consensus",
	})

	held, err := lock.WithLock(ctx, c.locker, lock.ConversationKey(conversationID), c.cfg.LockTTL, func(ctx context.Context) error {
		return c.runPhaseLocked(ctx, conversationID, phase)
	})
	if err != nil {
		if errors.Is(err, errPausedForCredits) {
			return nil
		}
		return err
	}
	if !held {
		slog.InfoContext(ctx, "conversation locked elsewhere, skipping phase")
	}
	return nil
}

func (c *Coordinator) runPhaseLocked(ctx context.Context, conversationID int64, phase model.AgreementPhase) error {
	sp := c.tx.Stores()

	conv, err := sp.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading conversation: %w", err)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{UserID: logger.Ptr(conv.OwnerID)})

	if conv.Status != model.StatusForceAgreement {
		slog.InfoContext(ctx, "conversation not in force agreement, dropping phase job", "status", conv.Status)
		return nil
	}

	state, err := sp.Agreements().Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.WarnContext(ctx, "no agreement state for phase job, dropping")
			return nil
		}
		return fmt.Errorf("loading agreement state: %w", err)
	}
	if state.Phase != phase {
		slog.InfoContext(ctx, "stale phase job, dropping", "persisted_phase", state.Phase)
		return nil
	}

	participants, err := sp.Participants().ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading participants: %w", err)
	}
	if len(participants) == 0 {
		return fmt.Errorf("conversation %d has no participants: %w", conversationID, store.ErrNotFound)
	}

	switch phase {
	case model.PhaseCollecting:
		return c.collectNonNegotiables(ctx, conv, state, participants)
	case model.PhaseSynthesizing, model.PhaseRevising:
		return c.synthesize(ctx, conv, state, participants)
	case model.PhaseVoting:
		return c.collectVotes(ctx, conv, state, participants)
	case model.PhaseCompleted:
		return c.complete(ctx, conv, state)
	case model.PhaseForcedResolution:
		return c.forceResolution(ctx, conv, state, participants)
	default:
		slog.WarnContext(ctx, "phase job for idle phase, dropping")
		return nil
	}
}

// collectNonNegotiables asks each agent for its hard requirements. State is
// saved after every agent so a retried job resumes with the remaining ones.
func (c *Coordinator) collectNonNegotiables(ctx context.Context, conv *model.Conversation, state *model.AgreementState, participants []model.Participant) error {
	sp := c.tx.Stores()

	for _, p := range participants {
		if _, done := state.NonNegotiables[p.AgentID]; done {
			continue
		}

		if err := c.ensureCredits(ctx, conv); err != nil {
			return err
		}

		resp, err := c.agentLLM.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: agentSystemPrompt(conv, p)},
				{Role: "user", Content: collectPrompt(conv)},
			},
		})
		if err != nil {
			return fmt.Errorf("collecting non-negotiables from agent %d: %w", p.AgentID, err)
		}

		msg, err := c.recordAgentMessage(ctx, conv, p.AgentID, resp.Content, resp.CostCents)
		if err != nil {
			return err
		}
		if err := c.charge(ctx, conv, resp.CostCents, msg.ID); err != nil {
			return err
		}

		state.NonNegotiables[p.AgentID] = ParseNonNegotiables(resp.Content)
		if err := sp.Agreements().Save(ctx, conv.ID, state); err != nil {
			return fmt.Errorf("saving agreement state: %w", err)
		}
	}

	return c.transition(ctx, conv.ID, state, model.PhaseSynthesizing)
}

// synthesize drafts (or redrafts) one plan covering every non-negotiable,
// then hands off to voting.
func (c *Coordinator) synthesize(ctx context.Context, conv *model.Conversation, state *model.AgreementState, participants []model.Participant) error {
	if err := c.ensureCredits(ctx, conv); err != nil {
		return err
	}

	resp, err := c.synthesisLLM.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: synthesizerSystemPrompt(conv)},
			{Role: "user", Content: synthesisPrompt(state, participants)},
		},
	})
	if err != nil {
		return fmt.Errorf("generating synthesis: %w", err)
	}

	msg, err := c.recordSynthesizerMessage(ctx, conv, resp.Content, resp.CostCents)
	if err != nil {
		return err
	}
	if err := c.charge(ctx, conv, resp.CostCents, msg.ID); err != nil {
		return err
	}

	state.CurrentSynthesis = &resp.Content
	state.Votes = make(map[int64]bool)
	state.RejectionReasons = make(map[int64]string)

	return c.transition(ctx, conv.ID, state, model.PhaseVoting)
}

// collectVotes gathers each agent's verdict on the current synthesis, then
// branches: unanimity completes, exhausted iterations force resolution, and
// anything else goes back through revision.
func (c *Coordinator) collectVotes(ctx context.Context, conv *model.Conversation, state *model.AgreementState, participants []model.Participant) error {
	if state.CurrentSynthesis == nil {
		return fmt.Errorf("voting phase with no synthesis for conversation %d", conv.ID)
	}
	sp := c.tx.Stores()

	agentIDs := make([]int64, 0, len(participants))
	for _, p := range participants {
		agentIDs = append(agentIDs, p.AgentID)
	}

	for _, p := range participants {
		if _, voted := state.Votes[p.AgentID]; voted {
			continue
		}

		if err := c.ensureCredits(ctx, conv); err != nil {
			return err
		}

		resp, err := c.agentLLM.Complete(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: "system", Content: agentSystemPrompt(conv, p)},
				{Role: "user", Content: votePrompt(state, p)},
			},
		})
		if err != nil {
			return fmt.Errorf("collecting vote from agent %d: %w", p.AgentID, err)
		}

		msg, err := c.recordAgentMessage(ctx, conv, p.AgentID, resp.Content, resp.CostCents)
		if err != nil {
			return err
		}
		if err := c.charge(ctx, conv, resp.CostCents, msg.ID); err != nil {
			return err
		}

		vote := ParseVote(resp.Content)
		state.Votes[p.AgentID] = vote.Approve
		if !vote.Approve {
			state.RejectionReasons[p.AgentID] = vote.Reason
		}
		if err := sp.Agreements().Save(ctx, conv.ID, state); err != nil {
			return fmt.Errorf("saving agreement state: %w", err)
		}
	}

	if state.UnanimousApproval(agentIDs) {
		return c.transition(ctx, conv.ID, state, model.PhaseCompleted)
	}

	state.History = append(state.History, model.AttemptRecord{
		Synthesis:        *state.CurrentSynthesis,
		Votes:            state.Votes,
		RejectionReasons: state.RejectionReasons,
	})
	state.Iteration++

	if state.Iteration >= state.MaxIterations {
		return c.transition(ctx, conv.ID, state, model.PhaseForcedResolution)
	}
	return c.transition(ctx, conv.ID, state, model.PhaseRevising)
}

// complete closes the conversation on an approved synthesis.
func (c *Coordinator) complete(ctx context.Context, conv *model.Conversation, state *model.AgreementState) error {
	if state.CurrentSynthesis == nil {
		return fmt.Errorf("completed phase with no synthesis for conversation %d", conv.ID)
	}

	final := "Agreement reached. Final plan:\n\n" + *state.CurrentSynthesis
	if _, err := c.recordSynthesizerMessage(ctx, conv, final, 0); err != nil {
		return err
	}

	return c.closeConversation(ctx, conv, state)
}

// forceResolution produces a best-effort compromise once the iteration bound
// is hit, acknowledging the objections that were never satisfied.
func (c *Coordinator) forceResolution(ctx context.Context, conv *model.Conversation, state *model.AgreementState, participants []model.Participant) error {
	if err := c.ensureCredits(ctx, conv); err != nil {
		return err
	}

	resp, err := c.synthesisLLM.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: synthesizerSystemPrompt(conv)},
			{Role: "user", Content: forcedResolutionPrompt(state, participants)},
		},
	})
	if err != nil {
		return fmt.Errorf("generating forced resolution: %w", err)
	}

	msg, err := c.recordSynthesizerMessage(ctx, conv, resp.Content, resp.CostCents)
	if err != nil {
		return err
	}
	if err := c.charge(ctx, conv, resp.CostCents, msg.ID); err != nil {
		return err
	}

	state.CurrentSynthesis = &resp.Content
	return c.closeConversation(ctx, conv, state)
}

// transition persists the new phase, announces it, and enqueues its job.
// Terminal phases still get a job: completion work runs under the same
// at-least-once delivery guarantees as everything else.
func (c *Coordinator) transition(ctx context.Context, conversationID int64, state *model.AgreementState, next model.AgreementPhase) error {
	state.Phase = next
	if err := c.tx.Stores().Agreements().Save(ctx, conversationID, state); err != nil {
		return fmt.Errorf("saving agreement state: %w", err)
	}

	c.publishPhase(ctx, conversationID, state)
	c.setSession(ctx, conversationID, state, model.SessionStatusGenerating)

	return c.producer.Enqueue(ctx, queue.Job{
		Type:           queue.JobForceAgreementPhase,
		ConversationID: conversationID,
		Phase:          next.Int(),
	})
}

func (c *Coordinator) closeConversation(ctx context.Context, conv *model.Conversation, state *model.AgreementState) error {
	conv.Status = model.StatusCompleted
	if err := c.tx.Stores().Conversations().Update(ctx, conv); err != nil {
		return fmt.Errorf("completing conversation: %w", err)
	}

	c.publishPhase(ctx, conv.ID, state)
	c.publisher.Publish(ctx, conv.ID, events.New(events.TypeConversationComplete, map[string]any{
		"total_cost_cents": conv.TotalCostCents,
		"agreement":        string(state.Phase),
	}))
	c.setSession(ctx, conv.ID, state, model.SessionStatusCompleted)

	slog.InfoContext(ctx, "force agreement finished", "outcome", state.Phase, "iterations", state.Iteration)
	return nil
}

// ensureCredits pauses the conversation when the owner cannot cover the
// minimum charge. The persisted phase is untouched, so resuming re-enters it.
func (c *Coordinator) ensureCredits(ctx context.Context, conv *model.Conversation) error {
	sufficient, err := c.ledger.CheckSufficient(ctx, conv.OwnerID, c.cfg.MinTurnCostCents)
	if err != nil {
		return fmt.Errorf("checking credits: %w", err)
	}
	if sufficient {
		return nil
	}
	return c.pauseForCredits(ctx, conv)
}

func (c *Coordinator) pauseForCredits(ctx context.Context, conv *model.Conversation) error {
	conv.Status = model.StatusPaused
	if err := c.tx.Stores().Conversations().Update(ctx, conv); err != nil {
		return fmt.Errorf("pausing conversation: %w", err)
	}

	c.publisher.Publish(ctx, conv.ID, events.NewError(events.CodeInsufficientCredits,
		"Not enough credits to continue force agreement. Top up to resume."))

	slog.InfoContext(ctx, "force agreement paused for insufficient credits")
	return errPausedForCredits
}

func (c *Coordinator) charge(ctx context.Context, conv *model.Conversation, costCents int64, messageID int64) error {
	err := c.ledger.Deduct(ctx, conv.OwnerID, costCents, model.TransactionTypeMessageGeneration, fmt.Sprint(messageID))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			return c.pauseForCredits(ctx, conv)
		}
		return fmt.Errorf("deducting generation cost: %w", err)
	}

	fresh, err := c.tx.Stores().Conversations().GetByID(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("reloading conversation: %w", err)
	}
	fresh.TotalCostCents += costCents
	if err := c.tx.Stores().Conversations().Update(ctx, fresh); err != nil {
		return fmt.Errorf("updating conversation cost: %w", err)
	}
	conv.TotalCostCents = fresh.TotalCostCents

	c.publisher.Publish(ctx, conv.ID, events.New(events.TypeCreditUpdate, map[string]any{
		"user_id":     conv.OwnerID,
		"spent_cents": costCents,
	}))
	return nil
}

func (c *Coordinator) recordAgentMessage(ctx context.Context, conv *model.Conversation, agentID int64, content string, costCents int64) (*model.Message, error) {
	now := time.Now().UTC()
	msg := &model.Message{
		ID:             id.New(),
		ConversationID: conv.ID,
		AgentID:        logger.Ptr(agentID),
		Role:           model.MessageRoleAgent,
		RoundNumber:    conv.CurrentRound,
		Content:        content,
		CostCents:      costCents,
		CompletedAt:    &now,
	}
	if err := c.tx.Stores().Messages().Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("creating agent message: %w", err)
	}

	c.publisher.Publish(ctx, conv.ID, events.New(events.TypeMessageComplete, map[string]any{
		"message_id": msg.ID,
		"agent_id":   agentID,
		"content":    content,
		"cost_cents": costCents,
	}))
	return msg, nil
}

func (c *Coordinator) recordSynthesizerMessage(ctx context.Context, conv *model.Conversation, content string, costCents int64) (*model.Message, error) {
	now := time.Now().UTC()
	msg := &model.Message{
		ID:             id.New(),
		ConversationID: conv.ID,
		Role:           model.MessageRoleSynthesizer,
		RoundNumber:    conv.CurrentRound,
		Content:        content,
		CostCents:      costCents,
		CompletedAt:    &now,
	}
	if err := c.tx.Stores().Messages().Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("creating synthesizer message: %w", err)
	}

	c.publisher.Publish(ctx, conv.ID, events.New(events.TypeMessageComplete, map[string]any{
		"message_id": msg.ID,
		"role":       msg.Role,
		"content":    content,
		"cost_cents": costCents,
	}))
	return msg, nil
}

// publishPhase announces a phase change with the data observers need to
// render it: the collected requirements entering synthesis, the draft under
// vote, and the tally once votes are in.
func (c *Coordinator) publishPhase(ctx context.Context, conversationID int64, state *model.AgreementState) {
	data := map[string]any{
		"phase":       string(state.Phase),
		"label":       state.Phase.Label(),
		"description": state.Phase.Description(),
		"iteration":   state.Iteration,
	}

	switch state.Phase {
	case model.PhaseSynthesizing:
		data["non_negotiables"] = state.NonNegotiables
	case model.PhaseVoting:
		if state.CurrentSynthesis != nil {
			data["synthesis"] = *state.CurrentSynthesis
		}
	case model.PhaseRevising, model.PhaseCompleted, model.PhaseForcedResolution:
		data["votes"] = state.Votes
		data["rejection_reasons"] = state.RejectionReasons
	}

	c.publisher.Publish(ctx, conversationID, events.New(events.TypeForceAgreementPhase, data))
}

func (c *Coordinator) setSession(ctx context.Context, conversationID int64, state *model.AgreementState, status string) {
	phase := string(state.Phase)
	if err := c.cache.SetSession(ctx, conversationID, &model.SessionState{
		Status:              status,
		ForceAgreementPhase: &phase,
	}); err != nil {
		slog.WarnContext(ctx, "failed to update session state", "error", err)
	}
}
