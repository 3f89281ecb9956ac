package model

import "time"

// Agent is a user-defined persona that can participate in conversations.
type Agent struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
}

// Participant binds an Agent to a conversation with a fixed turn order.
// TurnOrder is 0-based and defines the round-robin sequence.
type Participant struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversation_id"`
	AgentID        int64  `json:"agent_id"`
	TurnOrder      int    `json:"turn_order"`
	AgentName      string `json:"agent_name"`
	Persona        string `json:"persona"`
}
