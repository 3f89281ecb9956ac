package router

import (
	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/http/handler"
)

func ConversationRouter(group *gin.RouterGroup, h *handler.ConversationHandler, eventsHandler *handler.EventsHandler) {
	group.POST("", h.Create)
	group.GET("/:id", h.Get)
	group.GET("/:id/session", h.Session)
	group.GET("/:id/events", eventsHandler.Stream)
	group.POST("/:id/pause", h.Pause)
	group.POST("/:id/resume", h.Resume)
	group.POST("/:id/interject", h.Interject)
	group.POST("/:id/force-agreement", h.ForceAgreement)
}
