package events

import "time"

// Event kinds delivered on a conversation's channel. Consumers (the SSE
// layer) are external to this engine.
const (
	TypeMessageStart         = "message-start"
	TypeMessageToken         = "message-token"
	TypeMessageComplete      = "message-complete"
	TypeTurnChange           = "turn-change"
	TypeRoundComplete        = "round-complete"
	TypeWaitingForInput      = "waiting-for-input"
	TypeConversationComplete = "conversation-complete"
	TypeForceAgreementPhase  = "force-agreement-phase"
	TypeCreditUpdate         = "credit-update"
	TypeError                = "error"
)

// Error codes carried by error events.
const (
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeGenerationFailed    = "GENERATION_FAILED"
)

// Event is the wire shape published to observers.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event stamped with the current time.
func New(eventType string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewError builds an error event with a machine code and human message.
func NewError(code, message string) Event {
	return New(TypeError, map[string]any{
		"code":    code,
		"message": message,
	})
}
