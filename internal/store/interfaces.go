package store

import (
	"context"
	"errors"
	"time"

	"github.com/parleyhq/parley/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ConversationStore defines the contract for conversation data access
type ConversationStore interface {
	GetByID(ctx context.Context, id int64) (*model.Conversation, error)
	Create(ctx context.Context, c *model.Conversation) error
	Update(ctx context.Context, c *model.Conversation) error
	// ListStalledActive returns in-flight conversations (active or in force
	// agreement) not touched since the cutoff. Used by the reconciliation
	// sweeper.
	ListStalledActive(ctx context.Context, cutoff time.Time) ([]model.Conversation, error)
}

// AgentStore defines the contract for agent data access
type AgentStore interface {
	GetByID(ctx context.Context, id int64) (*model.Agent, error)
	Create(ctx context.Context, a *model.Agent) error
}

// ParticipantStore defines the contract for participant data access
type ParticipantStore interface {
	// ListByConversation returns participants ordered by turn order,
	// with agent name and persona joined in.
	ListByConversation(ctx context.Context, conversationID int64) ([]model.Participant, error)
	Create(ctx context.Context, p *model.Participant) error
}

// MessageStore defines the contract for message data access
type MessageStore interface {
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	Create(ctx context.Context, m *model.Message) error
	// AttachResult writes final content and cost onto a placeholder message.
	// This is the only permitted mutation of a message row.
	AttachResult(ctx context.Context, id int64, content string, costCents int64) error
	// CountAgentTurns counts completed agent messages. This count modulo the
	// participant count is the sole source of truth for turn position.
	// Placeholders from failed generations are excluded so a retried job
	// cannot shift the rotation.
	CountAgentTurns(ctx context.Context, conversationID int64) (int, error)
	ListByConversation(ctx context.Context, conversationID int64) ([]model.Message, error)
	HasAny(ctx context.Context, conversationID int64) (bool, error)
}

// UserStore defines the contract for user data access
type UserStore interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
	Create(ctx context.Context, u *model.User) error
}

// CreditStore defines the contract for balance and ledger data access
type CreditStore interface {
	// GetBalanceForUpdate locks the balance row for the enclosing transaction.
	GetBalanceForUpdate(ctx context.Context, userID int64) (*model.CreditBalance, error)
	GetBalance(ctx context.Context, userID int64) (*model.CreditBalance, error)
	SaveBalance(ctx context.Context, b *model.CreditBalance) error
	InsertTransaction(ctx context.Context, t *model.CreditTransaction) error
	// TransactionExists checks for a prior ledger row with the given
	// reference, making deductions idempotent under job retries.
	TransactionExists(ctx context.Context, userID int64, referenceID string) (bool, error)
}

// AgreementStore defines the contract for force-agreement state access
type AgreementStore interface {
	Get(ctx context.Context, conversationID int64) (*model.AgreementState, error)
	Save(ctx context.Context, conversationID int64, state *model.AgreementState) error
}
