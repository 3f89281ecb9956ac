package model

// Session status values cached alongside a conversation. Not authoritative;
// always reconcilable from the relational store.
const (
	SessionStatusIdle       = "idle"
	SessionStatusGenerating = "generating"
	SessionStatusWaiting    = "waiting_for_input"
	SessionStatusPaused     = "paused"
	SessionStatusCompleted  = "completed"
)

// SessionState is the ephemeral fast-store view of a conversation. It avoids
// store round-trips and buffers at most one user interjection that arrives
// while a generation is in flight.
type SessionState struct {
	Status              string  `json:"status"`
	CurrentAgentID      *int64  `json:"current_agent_id,omitempty"`
	CurrentRound        int     `json:"current_round"`
	PendingInterjection *string `json:"pending_interjection,omitempty"`
	ForceAgreementPhase *string `json:"force_agreement_phase,omitempty"`
}
