package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/action"
	"github.com/orchestration-core/pipeline-engine/internal/agent"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/engine"
	"github.com/orchestration-core/pipeline-engine/internal/notify"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/google/uuid"
)

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Now().UTC() }
func (fakeClock) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type fakeRuns struct {
	mu      sync.Mutex
	runs    map[string]*domain.Run
	results map[string]map[string]*domain.NodeResult
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[string]*domain.Run), results: make(map[string]map[string]*domain.NodeResult)}
}

func (f *fakeRuns) Create(_ context.Context, r *domain.Run) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC()
	f.runs[r.ID] = r
	f.results[r.ID] = make(map[string]*domain.NodeResult)
	return r, nil
}

func (f *fakeRuns) GetByID(_ context.Context, id string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRuns) GetByIdempotencyKey(_ context.Context, pipelineID, key string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.PipelineID == pipelineID && r.IdempotencyKey == key {
			return r, nil
		}
	}
	return nil, domain.ErrRunNotFound
}

func (f *fakeRuns) List(context.Context, repository.ListRunsInput) ([]*domain.Run, error) { return nil, nil }

func (f *fakeRuns) ClaimPending(_ context.Context, limit int) ([]*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Run
	now := time.Now().UTC()
	for _, r := range f.runs {
		if len(out) >= limit {
			break
		}
		if r.Status == domain.RunPending {
			r.Status = domain.RunRunning
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
			r.Version++
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) CompareAndSetStatus(_ context.Context, id string, expectedVersion int, status domain.RunStatus, errSummary string, output []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	if r.Version != expectedVersion {
		return domain.ErrConflict
	}
	r.Status = status
	r.ErrorSummary = errSummary
	if output != nil {
		r.Output = output
	}
	r.Version++
	if status.IsTerminal() {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}
	return nil
}

func (f *fakeRuns) RequestCancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrRunNotFound
	}
	r.CancelRequested = true
	return nil
}

func (f *fakeRuns) ListOrphaned(context.Context, time.Time, int) ([]*domain.Run, error) { return nil, nil }

func (f *fakeRuns) UpsertNodeResult(_ context.Context, nr *domain.NodeResult) (*domain.NodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.results[nr.RunID]
	existing, ok := m[nr.NodeID]
	if ok && existing.Status.IsTerminal() {
		return existing, nil
	}
	if !ok {
		nr.ID = uuid.NewString()
		now := time.Now().UTC()
		nr.StartedAt = &now
		nr.UpdatedAt = now
		m[nr.NodeID] = nr
		return nr, nil
	}
	existing.Status = nr.Status
	existing.Attempts = nr.Attempts
	existing.Version++
	existing.UpdatedAt = time.Now().UTC()
	return existing, nil
}

func (f *fakeRuns) GetNodeResult(_ context.Context, runID, nodeID string) (*domain.NodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	nr, ok := f.results[runID][nodeID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return nr, nil
}

func (f *fakeRuns) ListNodeResults(_ context.Context, runID string) ([]*domain.NodeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.NodeResult
	for _, nr := range f.results[runID] {
		cp := *nr
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRuns) CompareAndSetNodeResult(_ context.Context, id string, expectedVersion int, status domain.NodeResultStatus, output []byte, errText string, boolTag *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, byNode := range f.results {
		for _, nr := range byNode {
			if nr.ID == id {
				if nr.Version != expectedVersion {
					return domain.ErrConflict
				}
				nr.Status = status
				if output != nil {
					nr.Output = output
				}
				nr.ErrorText = errText
				if boolTag != nil {
					nr.BoolTag = boolTag
				}
				nr.Version++
				nr.UpdatedAt = time.Now().UTC()
				return nil
			}
		}
	}
	return domain.ErrRunNotFound
}

func (f *fakeRuns) MarkNodeResultsOrphaned(context.Context, string) error { return nil }

type fakePipelines struct {
	byID map[string]*domain.Pipeline
}

func (f *fakePipelines) Create(_ context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	p.ID = uuid.NewString()
	p.Version = 1
	f.byID[p.ID] = p
	return p, nil
}
func (f *fakePipelines) CreateVersion(context.Context, *domain.Pipeline) (*domain.Pipeline, error) {
	return nil, nil
}
func (f *fakePipelines) GetByIDVersion(_ context.Context, id string, _ int) (*domain.Pipeline, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrPipelineNotFound
	}
	return p, nil
}
func (f *fakePipelines) GetLatest(_ context.Context, id string) (*domain.Pipeline, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrPipelineNotFound
	}
	return p, nil
}
func (f *fakePipelines) GetByName(context.Context, string) (*domain.Pipeline, error) {
	return nil, domain.ErrPipelineNotFound
}
func (f *fakePipelines) SetStatus(context.Context, string, domain.PipelineStatus) error { return nil }
func (f *fakePipelines) List(context.Context, repository.ListPipelinesInput) ([]*domain.Pipeline, error) {
	return nil, nil
}

type fakeBreakers struct {
	mu  sync.Mutex
	byK map[string]*domain.CircuitBreaker
}

func newFakeBreakers() *fakeBreakers { return &fakeBreakers{byK: make(map[string]*domain.CircuitBreaker)} }

func (f *fakeBreakers) GetOrCreate(_ context.Context, key string, threshold, cooldown int) (*domain.CircuitBreaker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.byK[key]; ok {
		cp := *b
		return &cp, nil
	}
	b := &domain.CircuitBreaker{Key: key, State: domain.BreakerClosed, FailureThreshold: threshold, CooldownSeconds: cooldown}
	f.byK[key] = b
	cp := *b
	return &cp, nil
}

func (f *fakeBreakers) CompareAndSwap(_ context.Context, next domain.CircuitBreaker, expectedVersion int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.byK[next.Key]
	if !ok || cur.Version != expectedVersion {
		return domain.ErrConflict
	}
	next.Version++
	f.byK[next.Key] = &next
	return nil
}

type fakeAgentPort struct{}

func (fakeAgentPort) Invoke(context.Context, agent.Request) domain.Outcome {
	return domain.Success(nil)
}

type fakeSender struct{}

func (fakeSender) Send(context.Context, notify.Message) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func linearPipeline(id string) *domain.Pipeline {
	return &domain.Pipeline{
		ID:      id,
		Name:    "demo",
		Version: 1,
		Status:  domain.PipelineActive,
		Nodes: []domain.Node{
			{ID: "start", Kind: domain.NodeTrigger, Config: json.RawMessage(`{}`)},
			{ID: "notify", Kind: domain.NodeAction, Config: json.RawMessage(`{"kind":"send_notification","payload":{}}`)},
		},
		Edges:         []domain.Edge{{From: "start", To: "notify"}},
		DefaultPolicy: domain.Policy{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffCap: time.Millisecond, FailureMode: domain.FailRun},
	}
}

func TestEngine_SubmitAndRunToSuccess(t *testing.T) {
	runs := newFakeRuns()
	pipelines := &fakePipelines{byID: make(map[string]*domain.Pipeline)}
	p := linearPipeline("p1")
	pipelines.byID[p.ID] = p

	registry := action.NewRegistry()
	registry.Register(domain.ActionSendNotification, action.NewSendNotificationHandler(fakeSender{}))

	e := engine.New(runs, pipelines, newFakeBreakers(), fakeAgentPort{}, registry, fakeClock{}, testLogger(), engine.Config{
		WProc: 10, WRun: 4, TickInterval: 5 * time.Millisecond, RecoveryStaleAfter: time.Minute, MaxAttemptsCeiling: 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runID, err := e.Submit(ctx, "p1", json.RawMessage(`{"x":1}`), "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	go func() { _ = e.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		snap, err := e.GetStatus(ctx, runID)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if snap.Status == domain.RunSucceeded {
			return
		}
		if snap.Status == domain.RunFailed {
			t.Fatalf("run failed: %+v", snap)
		}
		select {
		case <-deadline:
			t.Fatalf("run did not complete in time, last status %s", snap.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
