package service

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
)

// ParticipantSpec describes one agent to create for a new conversation.
// Participants speak in the order given.
type ParticipantSpec struct {
	Name    string
	Persona string
}

// ConversationDetail is a conversation with its participants and transcript.
type ConversationDetail struct {
	Conversation *model.Conversation
	Participants []model.Participant
	Messages     []model.Message
}

// ConversationService creates and reads conversations. Lifecycle mutations
// (pause, resume, interject, force agreement) belong to the scheduler and the
// consensus coordinator.
type ConversationService struct {
	tx       TxRunner
	producer queue.Producer
}

func NewConversationService(tx TxRunner, producer queue.Producer) *ConversationService {
	return &ConversationService{tx: tx, producer: producer}
}

// Create persists a conversation with its agents and participants in one
// transaction, then enqueues the start job. Debate mode requires a round
// count; collaborate mode forbids one.
func (s *ConversationService) Create(
	ctx context.Context,
	ownerID int64,
	topic string,
	mode model.ConversationMode,
	totalRounds *int,
	specs []ParticipantSpec,
	initialPrompt string,
) (*model.Conversation, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if initialPrompt == "" {
		return nil, fmt.Errorf("initial prompt is required")
	}
	if len(specs) < 2 {
		return nil, fmt.Errorf("at least 2 participants are required, got %d", len(specs))
	}

	switch mode {
	case model.ModeDebate:
		if totalRounds == nil || *totalRounds < 1 {
			return nil, fmt.Errorf("debate mode requires a positive round count")
		}
	case model.ModeCollaborate:
		if totalRounds != nil {
			return nil, fmt.Errorf("collaborate mode does not take a round count")
		}
	default:
		return nil, fmt.Errorf("unknown conversation mode %q", mode)
	}

	conv := &model.Conversation{
		ID:           id.New(),
		OwnerID:      ownerID,
		Topic:        topic,
		Mode:         mode,
		Status:       model.StatusActive,
		CurrentRound: 1,
		TotalRounds:  totalRounds,
	}

	err := s.tx.WithTx(ctx, func(sp StoreProvider) error {
		if _, err := sp.Users().GetByID(ctx, ownerID); err != nil {
			return fmt.Errorf("loading owner %d: %w", ownerID, err)
		}
		if err := sp.Conversations().Create(ctx, conv); err != nil {
			return err
		}

		for order, spec := range specs {
			if spec.Name == "" {
				return fmt.Errorf("participant %d has no name", order)
			}

			agent := &model.Agent{
				ID:      id.New(),
				OwnerID: ownerID,
				Name:    spec.Name,
				Persona: spec.Persona,
			}
			if err := sp.Agents().Create(ctx, agent); err != nil {
				return err
			}

			if err := sp.Participants().Create(ctx, &model.Participant{
				ID:             id.New(),
				ConversationID: conv.ID,
				AgentID:        agent.ID,
				TurnOrder:      order,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.producer.Enqueue(ctx, queue.Job{
		Type:           queue.JobStartConversation,
		ConversationID: conv.ID,
		InitialPrompt:  initialPrompt,
	}); err != nil {
		// The row exists but no job does; the sweeper will not help here
		// because no turn has ever run. Surface it to the caller.
		return nil, fmt.Errorf("enqueueing start job: %w", err)
	}

	return conv, nil
}

// Get returns the conversation with participants and full transcript.
func (s *ConversationService) Get(ctx context.Context, conversationID int64) (*ConversationDetail, error) {
	sp := s.tx.Stores()

	conv, err := sp.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	participants, err := sp.Participants().ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := sp.Messages().ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	return &ConversationDetail{
		Conversation: conv,
		Participants: participants,
		Messages:     messages,
	}, nil
}
