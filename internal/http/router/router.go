package router

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/http/handler"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/service"
)

type RouterConfig struct {
	AdminAPIKey string
}

type Dependencies struct {
	TxRunner      service.TxRunner
	Conversations *service.ConversationService
	Scheduler     handler.TurnControl
	Consensus     handler.AgreementStarter
	Ledger        handler.CreditGranter
	Producer      queue.Producer
	Cache         cache.SessionCache
	Redis         *redis.Client // nil when running without Redis
}

func SetupRoutes(router *gin.Engine, deps Dependencies, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		conversationHandler := handler.NewConversationHandler(
			deps.Conversations, deps.Scheduler, deps.Consensus, deps.Producer, deps.Cache)
		eventsHandler := handler.NewEventsHandler(deps.Redis)
		ConversationRouter(v1.Group("/conversations"), conversationHandler, eventsHandler)

		userHandler := handler.NewUserHandler(deps.TxRunner)
		creditHandler := handler.NewCreditHandler(deps.TxRunner, deps.Ledger)
		UserRouter(v1.Group("/users"), userHandler, creditHandler, cfg.AdminAPIKey)
	}
}
