package model

import "time"

// ConversationMode determines how turn-taking ends.
type ConversationMode string

const (
	// ModeDebate runs a fixed number of rounds with no consensus requirement.
	ModeDebate ConversationMode = "debate"
	// ModeCollaborate runs open-ended rounds and may invoke force agreement.
	ModeCollaborate ConversationMode = "collaborate"
)

// ConversationStatus is the scheduler-owned lifecycle state.
type ConversationStatus string

const (
	StatusActive         ConversationStatus = "active"
	StatusPaused         ConversationStatus = "paused"
	StatusForceAgreement ConversationStatus = "force_agreement"
	StatusCompleted      ConversationStatus = "completed"
)

// Conversation is a turn-based exchange between agents, owned by the user who
// created it. CurrentRound and TotalCostCents are monotonic non-decreasing;
// only the scheduler, the consensus coordinator, and user pause/resume actions
// mutate it.
type Conversation struct {
	ID             int64              `json:"id"`
	OwnerID        int64              `json:"owner_id"`
	Topic          string             `json:"topic"`
	Mode           ConversationMode   `json:"mode"`
	Status         ConversationStatus `json:"status"`
	CurrentRound   int                `json:"current_round"`
	TotalRounds    *int               `json:"total_rounds,omitempty"` // debate mode only
	TotalCostCents int64              `json:"total_cost_cents"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// DebateFinished reports whether a debate conversation has run past its
// final round. Always false for collaborate mode.
func (c *Conversation) DebateFinished() bool {
	return c.Mode == ModeDebate && c.TotalRounds != nil && c.CurrentRound > *c.TotalRounds
}
