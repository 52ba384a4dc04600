package handler_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/orchestration-core/pipeline-engine/internal/transport/http/handler"
	"github.com/gin-gonic/gin"
)

// fakeScheduleRepository implements repository.ScheduleRepository; only the
// methods a given test wires are ever called.
type fakeScheduleRepository struct {
	repository.ScheduleRepository
	create     func(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	getByID    func(ctx context.Context, id string) (*domain.Schedule, error)
	setEnabled func(ctx context.Context, id string, enabled bool) error
}

func (f *fakeScheduleRepository) Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	return f.create(ctx, s)
}

func (f *fakeScheduleRepository) GetByID(ctx context.Context, id string) (*domain.Schedule, error) {
	return f.getByID(ctx, id)
}

func (f *fakeScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return f.setEnabled(ctx, id, enabled)
}

func newTestScheduleEngine(repo *fakeScheduleRepository) *gin.Engine {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	h := handler.NewScheduleHandler(repo, logger, time.UTC)

	r := gin.New()
	r.POST("/schedules", h.Create)
	r.GET("/schedules/:id", h.GetByID)
	r.POST("/schedules/:id/pause", h.Pause)
	return r
}

const validScheduleBody = `{
	"name": "nightly-sync",
	"action_kind": "call_api",
	"action_payload": {"url": "https://example.com", "method": "GET"},
	"trigger_kind": "interval",
	"trigger": {"interval": 300000000000}
}`

func TestCreateSchedule_InvalidJSON_Returns400(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedules", strings.NewReader(`{bad json}`))
	req.Header.Set("Content-Type", "application/json")
	newTestScheduleEngine(&fakeScheduleRepository{}).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCreateSchedule_InvalidInterval_Returns400(t *testing.T) {
	body := `{"name": "x", "action_kind": "call_api", "trigger_kind": "interval", "trigger": {"interval": 1}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedules", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	newTestScheduleEngine(&fakeScheduleRepository{}).ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body=%s", w.Code, w.Body.String())
	}
}

func TestCreateSchedule_NameConflict_Returns409(t *testing.T) {
	repo := &fakeScheduleRepository{
		create: func(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
			return nil, domain.ErrScheduleNameConflict
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedules", strings.NewReader(validScheduleBody))
	req.Header.Set("Content-Type", "application/json")
	newTestScheduleEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409, body=%s", w.Code, w.Body.String())
	}
}

func TestCreateSchedule_Success_Returns201(t *testing.T) {
	repo := &fakeScheduleRepository{
		create: func(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
			s.ID = "sched_1"
			return s, nil
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedules", strings.NewReader(validScheduleBody))
	req.Header.Set("Content-Type", "application/json")
	newTestScheduleEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "sched_1") {
		t.Fatalf("expected body to contain schedule id, got %s", w.Body.String())
	}
}

func TestGetSchedule_NotFound_Returns404(t *testing.T) {
	repo := &fakeScheduleRepository{
		getByID: func(ctx context.Context, id string) (*domain.Schedule, error) {
			return nil, domain.ErrScheduleNotFound
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/schedules/missing", nil)
	newTestScheduleEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPauseSchedule_Success_Returns204(t *testing.T) {
	repo := &fakeScheduleRepository{
		setEnabled: func(ctx context.Context, id string, enabled bool) error {
			if enabled {
				t.Fatalf("expected pause to disable, got enabled=true")
			}
			return nil
		},
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedules/sched_1/pause", nil)
	newTestScheduleEngine(repo).ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}
