package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parleyhq/parley/common/id"
	"github.com/parleyhq/parley/common/llm"
	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/common/otel"
	"github.com/parleyhq/parley/core/config"
	"github.com/parleyhq/parley/core/db"
	"github.com/parleyhq/parley/internal/cache"
	"github.com/parleyhq/parley/internal/consensus"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/lock"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/scheduler"
	"github.com/parleyhq/parley/internal/service"
	"github.com/parleyhq/parley/internal/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.Redis.Enabled() {
		slog.ErrorContext(ctx, "worker requires REDIS_URL; single-instance mode runs jobs inside the server")
		os.Exit(1)
	}

	fmt.Printf("%s\n", banner)

	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		slog.ErrorContext(ctx, "failed to setup telemetry", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	slog.InfoContext(ctx, "parley worker starting",
		"env", cfg.Env,
		"consumer_group", cfg.Queue.Group,
		"consumer_name", cfg.Queue.Consumer)

	// Different node than the server so ids never collide.
	if err := id.Init(2); err != nil {
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

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.InfoContext(ctx, "redis connected", "stream", cfg.Queue.Stream)

	txRunner := service.NewTxRunner(database)
	locker := lock.NewRedisLocker(redisClient)
	sessionCache := cache.NewRedisCache(redisClient)
	publisher := events.NewRedisPublisher(redisClient)
	producer := queue.NewRedisProducer(redisClient, cfg.Queue.Stream, slog.Default())

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

	sched := scheduler.New(txRunner, locker, creditLedger, publisher, sessionCache,
		agentLLM, producer, scheduler.Config{
			LockTTL:          cfg.Locks.TurnTTL,
			TurnDelay:        cfg.Worker.TurnDelay,
			MinTurnCostCents: cfg.Credits.MinTurnCostCents,
		})
	coordinator := consensus.New(txRunner, locker, creditLedger, publisher, sessionCache,
		agentLLM, synthesisLLM, producer, consensus.Config{
			LockTTL:          cfg.Locks.AgreementTTL,
			MinTurnCostCents: cfg.Credits.MinTurnCostCents,
		})

	consumer, err := queue.NewRedisConsumer(redisClient, queue.ConsumerConfig{
		Stream:          cfg.Queue.Stream,
		Group:           cfg.Queue.Group,
		Consumer:        cfg.Queue.Consumer,
		DLQStream:       cfg.Queue.DLQStream,
		CompletedStream: cfg.Queue.CompletedStream,
		BatchSize:       1,
		Block:           5 * time.Second,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		RetryBackoff:    cfg.Worker.RetryBackoff,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to create consumer", "error", err)
		os.Exit(1)
	}

	dispatcher := worker.NewDispatcher(sched, coordinator)
	w := worker.New(consumer, dispatcher, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		MaxAttempts: cfg.Worker.MaxAttempts,
	})

	reclaimer := worker.NewReclaimer(redisClient, worker.ReclaimerConfig{
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Consumer:  cfg.Queue.Consumer + "-reclaimer",
		MinIdle:   5 * time.Minute,
		Interval:  time.Minute,
		BatchSize: 10,
	}, w)

	sweeper := worker.NewSweeper(txRunner, producer, worker.SweeperConfig{
		Interval:  cfg.Worker.SweepInterval,
		Threshold: cfg.Worker.SweepThreshold,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()
	go reclaimer.Run(ctx)
	go sweeper.Run(ctx)

	slog.InfoContext(ctx, "worker initialized and running",
		"concurrency", cfg.Worker.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sweeper.Stop()
	reclaimer.Stop()
	w.Stop()

	select {
	case <-shutdownCtx.Done():
		slog.WarnContext(ctx, "shutdown timeout exceeded")
	case err := <-errCh:
		if err != nil {
			slog.ErrorContext(ctx, "worker error during shutdown", "error", err)
		}
	}

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(ctx, "telemetry shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "worker shutdown complete")
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

const banner = `
██████╗  █████╗ ██████╗ ██╗     ███████╗██╗   ██╗
██╔══██╗██╔══██╗██╔══██╗██║     ██╔════╝╚██╗ ██╔╝
██████╔╝███████║██████╔╝██║     █████╗   ╚████╔╝
██╔═══╝ ██╔══██║██╔══██╗██║     ██╔══╝    ╚██╔╝
██║     ██║  ██║██║  ██║███████╗███████╗   ██║
╚═╝     ╚═╝  ╚═╝╚═╝  ╚═╝╚══════╝╚══════╝   ╚═╝
`
