// Command engine runs the Pipeline Engine (C6): it claims pending Runs,
// walks each one's DAG, and exposes the admin HTTP surface for submitting
// pipelines, runs, and schedules.
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
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/engine"
	"github.com/orchestration-core/pipeline-engine/internal/health"
	"github.com/orchestration-core/pipeline-engine/internal/infrastructure/postgres"
	ctxlog "github.com/orchestration-core/pipeline-engine/internal/log"
	"github.com/orchestration-core/pipeline-engine/internal/metrics"
	"github.com/orchestration-core/pipeline-engine/internal/notify"
	httptransport "github.com/orchestration-core/pipeline-engine/internal/transport/http"
	"github.com/orchestration-core/pipeline-engine/internal/transport/http/handler"
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

	runs := postgres.NewRunRepository(pool)
	pipelines := postgres.NewPipelineRepository(pool)
	breakers := postgres.NewBreakerRepository(pool)

	agentPort := agent.NewHTTPExecutor(cfg.AgentBaseURL, cfg.AgentHTTPTimeout, logger)
	sender := notify.NewSender(cfg.Env, cfg.ResendAPIKey, cfg.ResendFrom, logger)

	registry := action.NewRegistry()
	registry.Register(domain.ActionCallAPI, action.NewCallAPIHandler())
	registry.Register(domain.ActionSendNotification, action.NewSendNotificationHandler(sender))
	registry.Register(domain.ActionRunTask, action.NewRunTaskHandler(func(ctx context.Context, agentID, capability string, input json.RawMessage) domain.Outcome {
		return agentPort.Invoke(ctx, agent.Request{AgentID: agentID, Capability: capability, Input: input})
	}))

	eng := engine.New(runs, pipelines, breakers, agentPort, registry, clock.Real{}, logger, engine.Config{
		WProc:              cfg.WProc,
		WRun:               cfg.WRun,
		TickInterval:       cfg.EngineTickInterval,
		RecoveryStaleAfter: cfg.RecoveryStaleAfter,
		MaxAttemptsCeiling: cfg.MaxAttemptsCeiling,
		IdempotencyKeyTTL:  cfg.IdempotencyKeyTTL,
	})
	// execute_pipeline dispatches back into this same engine instance, so it
	// is registered once the engine exists rather than alongside the other
	// handlers above.
	registry.Register(domain.ActionExecutePipeline, action.NewExecutePipelineHandler(eng))

	bounds := domain.PolicyBounds{MaxAttemptsCeiling: cfg.MaxAttemptsCeiling}

	metrics.Register()
	checker := health.NewChecker(pool, logger, prometheus.DefaultRegisterer)

	loc, err := cfg.Location()
	if err != nil {
		stop()
		log.Fatalf("time zone: %v", err)
	}

	pipelineHandler := handler.NewPipelineHandler(pipelines, bounds, logger)
	runHandler := handler.NewRunHandler(eng, runs, logger)
	scheduleHandler := handler.NewScheduleHandler(postgres.NewScheduleRepository(pool, logger), logger, loc)

	srv := http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httptransport.NewRouter(logger, pipelineHandler, runHandler, scheduleHandler, cfg.JWKSURL, []byte(cfg.JWTSecret)),
	}
	metricsSrv := metrics.NewServer(":"+cfg.MetricsPort, checker)

	go func() {
		logger.Info("engine loop started")
		if err := eng.Start(ctx); err != nil {
			logger.Error("engine loop", "error", err)
		}
	}()

	go func() {
		logger.Info("admin server started", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("admin server: %v", err)
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
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
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
