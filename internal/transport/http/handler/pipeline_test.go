package handler_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/orchestration-core/pipeline-engine/internal/transport/http/handler"
	"github.com/gin-gonic/gin"
)

// fakePipelineRepository implements repository.PipelineRepository; only the
// methods a given test wires are ever called.
type fakePipelineRepository struct {
	repository.PipelineRepository
	create func(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error)
	getLatest func(ctx context.Context, id string) (*domain.Pipeline, error)
}

func (f *fakePipelineRepository) Create(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	return f.create(ctx, p)
}

func (f *fakePipelineRepository) GetLatest(ctx context.Context, id string) (*domain.Pipeline, error) {
	return f.getLatest(ctx, id)
}

func newTestPipelineEngine(repo *fakePipelineRepository) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h := handler.NewPipelineHandler(repo, domain.PolicyBounds{MaxAttemptsCeiling: 10}, logger)

	r := gin.New()
	r.POST("/pipelines", h.Create)
	r.GET("/pipelines/:id", h.GetLatest)
	return r
}

const validPipelineBody = `{
	"name": "demo",
	"nodes": [{"id": "start", "kind": "trigger"}],
	"default_policy": {"max_attempts": 3, "backoff_base": 1000000000, "backoff_cap": 60000000000}
}`

func TestCreatePipeline_InvalidJSON_Returns400(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", strings.NewReader(`{bad json}`))
	req.Header.Set("Content-Type", "application/json")
	newTestPipelineEngine(&fakePipelineRepository{}).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreatePipeline_NoTriggerNode_Returns400(t *testing.T) {
	body := `{"name": "demo", "nodes": [{"id": "a", "kind": "delay", "config": {"duration": 1000000000}}], "default_policy": {"max_attempts": 1, "backoff_base": 0, "backoff_cap": 0}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	newTestPipelineEngine(&fakePipelineRepository{}).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestCreatePipeline_DuplicateName_Returns409(t *testing.T) {
	repo := &fakePipelineRepository{
		create: func(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
			return nil, domain.ErrDuplicatePipeline
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", strings.NewReader(validPipelineBody))
	req.Header.Set("Content-Type", "application/json")
	newTestPipelineEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409, body=%s", w.Code, w.Body.String())
	}
}

func TestCreatePipeline_Success_Returns201(t *testing.T) {
	repo := &fakePipelineRepository{
		create: func(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
			p.ID = "pipe_1"
			p.Version = 1
			return p, nil
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/pipelines", strings.NewReader(validPipelineBody))
	req.Header.Set("Content-Type", "application/json")
	newTestPipelineEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "pipe_1") {
		t.Fatalf("expected body to contain pipeline id, got %s", w.Body.String())
	}
}

func TestGetLatestPipeline_NotFound_Returns404(t *testing.T) {
	repo := &fakePipelineRepository{
		getLatest: func(ctx context.Context, id string) (*domain.Pipeline, error) {
			return nil, domain.ErrPipelineNotFound
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pipelines/missing", nil)
	newTestPipelineEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
