package model

import "fmt"

// AgreementPhase is the force-agreement sub-protocol state.
type AgreementPhase string

const (
	PhaseIdle             AgreementPhase = "IDLE"
	PhaseCollecting       AgreementPhase = "COLLECTING_NON_NEGOTIABLES"
	PhaseSynthesizing     AgreementPhase = "SYNTHESIZING"
	PhaseVoting           AgreementPhase = "VOTING"
	PhaseRevising         AgreementPhase = "REVISING"
	PhaseCompleted        AgreementPhase = "COMPLETED"
	PhaseForcedResolution AgreementPhase = "FORCED_RESOLUTION"
)

// phaseOrder gives each phase a stable integer code for job payloads.
var phaseOrder = []AgreementPhase{
	PhaseIdle,
	PhaseCollecting,
	PhaseSynthesizing,
	PhaseVoting,
	PhaseRevising,
	PhaseCompleted,
	PhaseForcedResolution,
}

// Int returns the stable wire code for the phase.
func (p AgreementPhase) Int() int {
	for i, ph := range phaseOrder {
		if ph == p {
			return i
		}
	}
	return 0
}

// PhaseFromInt decodes a wire code back into a phase.
func PhaseFromInt(code int) (AgreementPhase, error) {
	if code < 0 || code >= len(phaseOrder) {
		return PhaseIdle, fmt.Errorf("unknown agreement phase code %d", code)
	}
	return phaseOrder[code], nil
}

// Terminal reports whether the phase ends the sub-protocol.
func (p AgreementPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseForcedResolution
}

// Label returns the human-readable name published with phase-change events.
func (p AgreementPhase) Label() string {
	switch p {
	case PhaseCollecting:
		return "Collecting non-negotiables"
	case PhaseSynthesizing:
		return "Drafting synthesis"
	case PhaseVoting:
		return "Voting"
	case PhaseRevising:
		return "Revising synthesis"
	case PhaseCompleted:
		return "Agreement reached"
	case PhaseForcedResolution:
		return "Forced resolution"
	default:
		return "Idle"
	}
}

// Description returns the short explanation published with phase-change events.
func (p AgreementPhase) Description() string {
	switch p {
	case PhaseCollecting:
		return "Each agent states its hard requirements before synthesis begins."
	case PhaseSynthesizing:
		return "A neutral synthesizer drafts one plan covering every stated requirement."
	case PhaseVoting:
		return "Each agent approves or rejects the current synthesis."
	case PhaseRevising:
		return "The synthesizer redrafts the plan to address rejection reasons."
	case PhaseCompleted:
		return "All agents approved the synthesis."
	case PhaseForcedResolution:
		return "The iteration bound was reached; a best-effort compromise was produced."
	default:
		return ""
	}
}

// AgreementSchemaVersion is the current persisted shape of AgreementState.
// Bump it and extend DecodeAgreementState when the shape changes.
const AgreementSchemaVersion = 1

// AttemptRecord preserves one rejected synthesis with its votes, so later
// drafts can see what was already approved and why attempts failed.
type AttemptRecord struct {
	Synthesis        string           `json:"synthesis"`
	Votes            map[int64]bool   `json:"votes"`
	RejectionReasons map[int64]string `json:"rejection_reasons"`
}

// AgreementState is the persisted force-agreement record. It is stored as a
// versioned JSONB blob keyed by conversation id and is logically destroyed
// once a terminal phase is reached.
type AgreementState struct {
	SchemaVersion    int                `json:"schema_version"`
	Phase            AgreementPhase     `json:"phase"`
	Iteration        int                `json:"iteration"`
	MaxIterations    int                `json:"max_iterations"`
	NonNegotiables   map[int64][]string `json:"non_negotiables"`             // agent id -> requirements
	CurrentSynthesis *string            `json:"current_synthesis,omitempty"`
	Votes            map[int64]bool     `json:"votes"`                       // agent id -> approve
	RejectionReasons map[int64]string   `json:"rejection_reasons"`
	History          []AttemptRecord    `json:"history"`
}

// DefaultMaxIterations bounds revision cycles before forced resolution.
const DefaultMaxIterations = 3

// NewAgreementState creates a fresh state entering the collection phase.
func NewAgreementState() *AgreementState {
	return &AgreementState{
		SchemaVersion:    AgreementSchemaVersion,
		Phase:            PhaseCollecting,
		MaxIterations:    DefaultMaxIterations,
		NonNegotiables:   make(map[int64][]string),
		Votes:            make(map[int64]bool),
		RejectionReasons: make(map[int64]string),
	}
}

// UnanimousApproval reports whether every listed agent voted approve.
func (s *AgreementState) UnanimousApproval(agentIDs []int64) bool {
	for _, id := range agentIDs {
		if approved, ok := s.Votes[id]; !ok || !approved {
			return false
		}
	}
	return len(agentIDs) > 0
}
