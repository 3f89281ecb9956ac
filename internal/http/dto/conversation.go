package dto

import (
	"time"

	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/service"
)

type ParticipantRequest struct {
	Name    string `json:"name" binding:"required"`
	Persona string `json:"persona"`
}

type CreateConversationRequest struct {
	OwnerID       int64                `json:"owner_id,string" binding:"required"`
	Topic         string               `json:"topic" binding:"required"`
	Mode          string               `json:"mode" binding:"required"`
	TotalRounds   *int                 `json:"total_rounds,omitempty"`
	InitialPrompt string               `json:"initial_prompt" binding:"required"`
	Participants  []ParticipantRequest `json:"participants" binding:"required"`
}

type InterjectRequest struct {
	Content string `json:"content" binding:"required"`
}

type ConversationResponse struct {
	ID             int64     `json:"id,string"`
	OwnerID        int64     `json:"owner_id,string"`
	Topic          string    `json:"topic"`
	Mode           string    `json:"mode"`
	Status         string    `json:"status"`
	CurrentRound   int       `json:"current_round"`
	TotalRounds    *int      `json:"total_rounds,omitempty"`
	TotalCostCents int64     `json:"total_cost_cents"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ParticipantResponse struct {
	AgentID   int64  `json:"agent_id,string"`
	TurnOrder int    `json:"turn_order"`
	Name      string `json:"name"`
	Persona   string `json:"persona"`
}

type MessageResponse struct {
	ID          int64      `json:"id,string"`
	AgentID     *int64     `json:"agent_id,string,omitempty"`
	Role        string     `json:"role"`
	RoundNumber int        `json:"round_number"`
	Content     string     `json:"content"`
	CostCents   int64      `json:"cost_cents"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type ConversationDetailResponse struct {
	Conversation ConversationResponse  `json:"conversation"`
	Participants []ParticipantResponse `json:"participants"`
	Messages     []MessageResponse     `json:"messages"`
}

type SessionResponse struct {
	Status              string  `json:"status"`
	CurrentAgentID      *int64  `json:"current_agent_id,string,omitempty"`
	CurrentRound        int     `json:"current_round"`
	PendingInterjection bool    `json:"pending_interjection"`
	ForceAgreementPhase *string `json:"force_agreement_phase,omitempty"`
}

func ToConversationResponse(c *model.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:             c.ID,
		OwnerID:        c.OwnerID,
		Topic:          c.Topic,
		Mode:           string(c.Mode),
		Status:         string(c.Status),
		CurrentRound:   c.CurrentRound,
		TotalRounds:    c.TotalRounds,
		TotalCostCents: c.TotalCostCents,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func ToConversationDetailResponse(d *service.ConversationDetail) ConversationDetailResponse {
	resp := ConversationDetailResponse{
		Conversation: ToConversationResponse(d.Conversation),
		Participants: make([]ParticipantResponse, 0, len(d.Participants)),
		Messages:     make([]MessageResponse, 0, len(d.Messages)),
	}
	for _, p := range d.Participants {
		resp.Participants = append(resp.Participants, ParticipantResponse{
			AgentID:   p.AgentID,
			TurnOrder: p.TurnOrder,
			Name:      p.AgentName,
			Persona:   p.Persona,
		})
	}
	for _, m := range d.Messages {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:          m.ID,
			AgentID:     m.AgentID,
			Role:        m.Role,
			RoundNumber: m.RoundNumber,
			Content:     m.Content,
			CostCents:   m.CostCents,
			CreatedAt:   m.CreatedAt,
			CompletedAt: m.CompletedAt,
		})
	}
	return resp
}

func ToSessionResponse(s *model.SessionState) SessionResponse {
	return SessionResponse{
		Status:              s.Status,
		CurrentAgentID:      s.CurrentAgentID,
		CurrentRound:        s.CurrentRound,
		PendingInterjection: s.PendingInterjection != nil,
		ForceAgreementPhase: s.ForceAgreementPhase,
	}
}
