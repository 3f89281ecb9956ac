package model

import "time"

// Message roles. The count of agent-role messages modulo participant count is
// the sole source of truth for turn position; there is no separate cursor.
const (
	MessageRoleSystem      = "system"
	MessageRoleAgent       = "agent"
	MessageRoleUser        = "user"
	MessageRoleSynthesizer = "synthesizer"
)

// Message is append-only. A placeholder row is created before generation and
// final content/cost are attached once; rows are never otherwise mutated.
type Message struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	AgentID        *int64     `json:"agent_id,omitempty"`
	Role           string     `json:"role"`
	RoundNumber    int        `json:"round_number"`
	Content        string     `json:"content"`
	CostCents      int64      `json:"cost_cents"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
