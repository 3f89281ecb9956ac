package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/llm"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/otel"
	"github.com/parleyhq/parley/core/config"
	"github.com/parleyhq/parley/core/db"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/consensus"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/http/router"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/lock"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeServer)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to setup telemetry", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	slog.InfoContext(ctx, "parley server starting", "env", cfg.Env)

	if err := id.Init(1); err != nil {
		slog.ErrorContext(ctx, "failed to initialize id generator", "error", err)
		os.Exit(1)
	}

	database, err := db.New(ctx, cfg.DB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	slog.InfoContext(ctx, "database connected")

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		slog.InfoContext(ctx, "redis connected")
	} else {
		slog.WarnContext(ctx, "no REDIS_URL configured, running single-instance degraded mode")
	}

	txRunner := service.NewTxRunner(database)

	var (
		locker       lock.Locker
		sessionCache cache.SessionCache
		publisher    events.Publisher
	)
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient)
		sessionCache = cache.NewRedisCache(redisClient)
		publisher = events.NewRedisPublisher(redisClient)
	} else {
		locker = lock.NewNoopLocker()
		sessionCache = cache.NewNoopCache()
		publisher = events.NewNoopPublisher()
	}

	agentLLM, err := llm.NewClient(llmConfig(cfg.AgentLLM))
	if err != nil {
		slog.ErrorContext(ctx, "failed to create agent llm client", "error", err)
		os.Exit(1)
	}
	synthesisLLM := agentLLM
	if cfg.SynthesisLLM.APIKey != "" {
		synthesisLLM, err = llm.NewClient(llmConfig(cfg.SynthesisLLM))
		if err != nil {
			slog.ErrorContext(ctx, "failed to create synthesis llm client", "error", err)
			os.Exit(1)
		}
	}

	creditLedger := ledger.New(txRunner, sessionCache, ledger.Config{
		DailyFreeCents: cfg.Credits.DailyFreeCents,
	})

	// The producer and the handlers reference each other in degraded mode,
	// so wire the producer indirectly.
	var producer queue.Producer

	producerFn := producerProxy{producer: &producer}

	sched := scheduler.New(txRunner, locker, creditLedger, publisher, sessionCache,
		agentLLM, producerFn, scheduler.Config{
			LockTTL:          cfg.Locks.TurnTTL,
			TurnDelay:        cfg.Worker.TurnDelay,
			MinTurnCostCents: cfg.Credits.MinTurnCostCents,
		})
	coordinator := consensus.New(txRunner, locker, creditLedger, publisher, sessionCache,
		agentLLM, synthesisLLM, producerFn, consensus.Config{
			LockTTL:          cfg.Locks.AgreementTTL,
			MinTurnCostCents: cfg.Credits.MinTurnCostCents,
		})

	if redisClient != nil {
		producer = queue.NewRedisProducer(redisClient, cfg.Queue.Stream, slog.Default())
	} else {
		// Without Redis there is no worker process; jobs run in-process.
		dispatcher := worker.NewDispatcher(sched, coordinator)
		producer = queue.NewInlineProducer(dispatcher.Dispatch)
	}

	conversations := service.NewConversationService(txRunner, producerFn)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.OTel.Enabled() {
		engine.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}

	router.SetupRoutes(engine, router.Dependencies{
		TxRunner:      txRunner,
		Conversations: conversations,
		Scheduler:     sched,
		Consensus:     coordinator,
		Ledger:        creditLedger,
		Producer:      producerFn,
		Cache:         sessionCache,
		Redis:         redisClient,
	}, router.RouterConfig{
		AdminAPIKey: cfg.AdminAPIKey,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		slog.InfoContext(ctx, "parley http server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.WarnContext(ctx, "http shutdown error", "error", err)
	}
	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "telemetry shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "shutdown complete")
}

func llmConfig(c config.LLMConfig) llm.Config {
	return llm.Config{
		Provider:  c.Provider,
		APIKey:    c.APIKey,
		BaseURL:   c.BaseURL,
		Model:     c.Model,
		MaxTokens: c.MaxTokens,
	}
}

// producerProxy defers producer resolution so the scheduler, the dispatcher,
// and the inline producer can be built despite their circular wiring.
type producerProxy struct {
	producer *queue.Producer
}

func (p producerProxy) Enqueue(ctx context.Context, job queue.Job) error {
	return (*p.producer).Enqueue(ctx, job)
}

func (p producerProxy) EnqueueAfter(ctx context.Context, job queue.Job, delay time.Duration) error {
	return (*p.producer).EnqueueAfter(ctx, job, delay)
}

func (p producerProxy) Close() error {
	return (*p.producer).Close()
}

const banner = `
██████╗  █████╗ ██████╗ ██╗     ███████╗██╗   ██╗
██╔══██╗██╔══██╗██╔══██╗██║     ██╔════╝╚██╗ ██╔╝
██████╔╝███████║██████╔╝██║     █████╗   ╚████╔╝
██╔═══╝ ██╔══██║██╔══██╗██║     ██╔══╝    ╚██╔╝
██║     ██║  ██║██║  ██║███████╗███████╗   ██║
╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝   ╚═╝
`
