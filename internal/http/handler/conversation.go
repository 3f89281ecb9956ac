package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/http/dto"
	"github.com/parleyhq/parley/internal/model"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/store"
)

// TurnControl is the scheduler surface the HTTP layer needs.
type TurnControl interface {
	Pause(ctx context.Context, conversationID int64) error
	Interject(ctx context.Context, conversationID int64, content string) error
}

// AgreementStarter begins the force-agreement protocol.
type AgreementStarter interface {
	Begin(ctx context.Context, conversationID int64) error
}

type ConversationHandler struct {
	conversations *service.ConversationService
	scheduler     TurnControl
	consensus     AgreementStarter
	producer      queue.Producer
	cache         cache.SessionCache
}

func NewConversationHandler(
	conversations *service.ConversationService,
	turnControl TurnControl,
	agreementStarter AgreementStarter,
	producer queue.Producer,
	sessionCache cache.SessionCache,
) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		scheduler:     turnControl,
		consensus:     agreementStarter,
		producer:      producer,
		cache:         sessionCache,
	}
}

func (h *ConversationHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	specs := make([]service.ParticipantSpec, 0, len(req.Participants))
	for _, p := range req.Participants {
		specs = append(specs, service.ParticipantSpec{Name: p.Name, Persona: p.Persona})
	}

	conv, err := h.conversations.Create(ctx, req.OwnerID, req.Topic,
		model.ConversationMode(req.Mode), req.TotalRounds, specs, req.InitialPrompt)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "owner not found"})
			return
		}
		slog.WarnContext(ctx, "conversation creation rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.ToConversationResponse(conv))
}

func (h *ConversationHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	detail, err := h.conversations.Get(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		slog.ErrorContext(ctx, "failed to load conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		return
	}

	c.JSON(http.StatusOK, dto.ToConversationDetailResponse(detail))
}

func (h *ConversationHandler) Pause(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.scheduler.Pause(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (h *ConversationHandler) Resume(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	// Resume runs through the queue so it holds the conversation lock like
	// every other state transition.
	if err := h.producer.Enqueue(ctx, queue.Job{
		Type:           queue.JobResumeConversation,
		ConversationID: conversationID,
	}); err != nil {
		slog.ErrorContext(ctx, "failed to enqueue resume", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to resume conversation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

func (h *ConversationHandler) Interject(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req dto.InterjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.scheduler.Interject(ctx, conversationID, req.Content); err != nil {
		slog.ErrorContext(ctx, "failed to submit interjection", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit interjection"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *ConversationHandler) ForceAgreement(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.consensus.Begin(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "force_agreement"})
}

func (h *ConversationHandler) Session(c *gin.Context) {
	ctx := c.Request.Context()

	conversationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	state, err := h.cache.GetSession(ctx, conversationID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read session state", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session state"})
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session state"})
		return
	}

	c.JSON(http.StatusOK, dto.ToSessionResponse(state))
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}
