// Command dispatcher runs the Schedule Dispatcher (C7): it competes for the
// distributed primary lock and, while holding it, fires due cron, interval,
// one-shot, and event-driven schedules into the Action Handler registry.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestration-core/pipeline-engine/config"
	"github.com/orchestration-core/pipeline-engine/internal/action"
	"github.com/orchestration-core/pipeline-engine/internal/agent"
	"github.com/orchestration-core/pipeline-engine/internal/clock"
	"github.com/orchestration-core/pipeline-engine/internal/dispatcher"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/engine"
	"github.com/orchestration-core/pipeline-engine/internal/eventbus"
	"github.com/orchestration-core/pipeline-engine/internal/health"
	"github.com/orchestration-core/pipeline-engine/internal/infrastructure/postgres"
	ctxlog "github.com/orchestration-core/pipeline-engine/internal/log"
	"github.com/orchestration-core/pipeline-engine/internal/lock"
	"github.com/orchestration-core/pipeline-engine/internal/metrics"
	"github.com/orchestration-core/pipeline-engine/internal/notify"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()
	logger.Info("db connected")

	schedules := postgres.NewScheduleRepository(pool, logger)
	lockSvc := lock.NewService(postgres.NewLockRepository(pool), logger)
	events := eventbus.NewTransport(1000)

	// execute_pipeline schedules submit a Run row directly; they do not
	// require the engine's claim loop to be running in this process — any
	// engine instance polling the same database will pick it up.
	submitEngine := engine.New(
		postgres.NewRunRepository(pool),
		postgres.NewPipelineRepository(pool),
		postgres.NewBreakerRepository(pool),
		agent.NewHTTPExecutor(cfg.AgentBaseURL, cfg.AgentHTTPTimeout, logger),
		action.NewRegistry(),
		clock.Real{},
		logger,
		engine.Config{
			WProc: cfg.WProc, WRun: cfg.WRun,
			TickInterval: cfg.EngineTickInterval, RecoveryStaleAfter: cfg.RecoveryStaleAfter,
			MaxAttemptsCeiling: cfg.MaxAttemptsCeiling, IdempotencyKeyTTL: cfg.IdempotencyKeyTTL,
		},
	)

	agentPort := agent.NewHTTPExecutor(cfg.AgentBaseURL, cfg.AgentHTTPTimeout, logger)
	sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)

	registry := action.NewRegistry()
	registry.Register(domain.ActionCallAPI, action.NewCallAPIHandler())
	registry.Register(domain.ActionSendNotification, action.NewSendNotificationHandler(sender))
	registry.Register(domain.ActionExecutePipeline, action.NewExecutePipelineHandler(submitEngine))
	registry.Register(domain.ActionRunTask, action.NewRunTaskHandler(func(ctx context.Context, agentID, capability string, input json.RawMessage) domain.Outcome {
		return agentPort.Invoke(ctx, agent.Request{AgentID: agentID, Capability: capability, Input: input})
	}))

	loc, err := cfg.Location()
	if err != nil {
		stop()
		log.Fatalf("time zone: %v", err)
	}

	disp := dispatcher.New(schedules, lockSvc, registry, events, clock.Real{}, logger,
		cfg.LockLease, cfg.DispatcherTickInterval, cfg.MaxMissedBackfill, loc)

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("dispatcher loop started")
		if err := disp.Start(ctx); err != nil {
			logger.Error("dispatcher loop", "error", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}

	logger.Info("dispatcher shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
