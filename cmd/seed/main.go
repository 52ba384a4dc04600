// seed inserts a demo pipeline, a run of it, and an interval schedule into
// the local dev database, exercising the same httpbin.org endpoints the
// scheduler's original test fixtures used.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/action"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/infrastructure/postgres"
)

func must(v json.RawMessage, err error) json.RawMessage {
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	return v
}

func marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	return b
}

func demoPipeline() *domain.Pipeline {
	return &domain.Pipeline{
		Name: "seed-httpbin-roundtrip",
		Nodes: []domain.Node{
			{
				ID:   "fetch",
				Kind: domain.NodeAction,
				Config: marshal(domain.ActionConfig{
					Kind: domain.ActionCallAPI,
					Payload: marshal(action.CallAPIPayload{
						URL:            "https://httpbin.org/get",
						Method:         "GET",
						TimeoutSeconds: 30,
					}),
				}),
			},
			{
				ID:   "notify",
				Kind: domain.NodeAction,
				Config: marshal(domain.ActionConfig{
					Kind: domain.ActionSendNotification,
					Payload: marshal(action.SendNotificationPayload{
						To:      "ops@example.com",
						Subject: "seed pipeline finished",
						Body:    "fetch node completed",
					}),
				}),
			},
		},
		Edges: []domain.Edge{
			{From: "fetch", To: "notify"},
		},
		DefaultPolicy: domain.Policy{
			MaxAttempts:       3,
			BackoffBase:       time.Second,
			BackoffCap:        30 * time.Second,
			PerAttemptTimeout: 30 * time.Second,
			OverallTimeout:    5 * time.Minute,
			CBThreshold:       5,
			CBCooldown:        time.Minute,
			FailureMode:       domain.FailRun,
		},
		Status: domain.PipelineActive,
	}
}

func main() {
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set — run: direnv allow")
	}

	pool, err := postgres.NewPool(ctx, dbURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	pipelines := postgres.NewPipelineRepository(pool)
	schedules := postgres.NewScheduleRepository(pool, logger)
	runs := postgres.NewRunRepository(pool)

	existing, err := pipelines.GetByName(ctx, "seed-httpbin-roundtrip")
	var pipeline *domain.Pipeline
	if err == nil {
		pipeline = existing
		fmt.Printf("pipeline already exists: %s (v%d)\n", pipeline.ID, pipeline.Version)
	} else {
		pipeline, err = pipelines.Create(ctx, demoPipeline())
		if err != nil {
			log.Fatalf("create pipeline: %v", err)
		}
		fmt.Printf("pipeline created: %s (v%d)\n", pipeline.ID, pipeline.Version)
	}

	run, err := runs.Create(ctx, &domain.Run{
		PipelineID:      pipeline.ID,
		PipelineVersion: pipeline.Version,
		Status:          domain.RunPending,
		Input:           must(json.Marshal(map[string]string{"source": "seed"})),
	})
	if err != nil {
		log.Fatalf("create run: %v", err)
	}
	fmt.Printf("run submitted: %s\n", run.ID)

	sched := &domain.Schedule{
		Name:       "seed-pipeline-every-5m",
		ActionKind: domain.ActionExecutePipeline,
		ActionPayload: marshal(action.ExecutePipelinePayload{
			PipelineRef: pipeline.ID,
			Input:       must(json.Marshal(map[string]string{"source": "schedule"})),
		}),
		TriggerKind:      domain.TriggerInterval,
		Trigger:          domain.TriggerSpec{Interval: 5 * time.Minute},
		FailureHandling:  domain.FailureRetryNextTick,
		MissedFirePolicy: domain.MissedCoalesce,
		Enabled:          true,
		NextFireAt:       time.Now().Add(5 * time.Minute),
		Tags:             []string{"seed"},
	}
	if _, err := schedules.Create(ctx, sched); err != nil {
		if errors.Is(err, domain.ErrScheduleNameConflict) {
			fmt.Println("schedule already exists: seed-pipeline-every-5m")
		} else {
			log.Fatalf("create schedule: %v", err)
		}
	} else {
		fmt.Println("schedule created: seed-pipeline-every-5m (fires every 5m)")
	}

	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  curl -s http://localhost:8080/runs/" + run.ID + " -H \"Authorization: Bearer $JWT\"")
	fmt.Println("  curl -s http://localhost:8080/schedules -H \"Authorization: Bearer $JWT\"")
}
