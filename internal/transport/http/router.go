package httptransport

import (
	"log/slog"

	"github.com/orchestration-core/pipeline-engine/internal/transport/http/handler"
	"github.com/orchestration-core/pipeline-engine/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

// NewRouter wires the admin HTTP surface: pipeline definitions, run
// submission/status/cancel, and schedule CRUD, all behind a Bearer JWT.
// Health and metrics are served on a separate unauthenticated port by the
// caller, mirroring the split between public app traffic and operator
// tooling.
func NewRouter(
	logger *slog.Logger,
	pipelines *handler.PipelineHandler,
	runs *handler.RunHandler,
	schedules *handler.ScheduleHandler,
	jwksURL string,
	jwtKey []byte,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), sloggin.New(logger), middleware.Metrics())

	admin := r.Group("/", middleware.Auth(jwksURL, jwtKey))

	p := admin.Group("/pipelines")
	p.POST("", pipelines.Create)
	p.GET("", pipelines.List)
	p.GET("/:id", pipelines.GetLatest)
	p.GET("/:id/versions/:version", pipelines.GetVersion)
	p.POST("/:id/versions", pipelines.CreateVersion)
	p.PATCH("/:id/status", pipelines.SetStatus)

	rn := admin.Group("/runs")
	rn.POST("", runs.Submit)
	rn.GET("", runs.List)
	rn.GET("/:id", runs.GetStatus)
	rn.POST("/:id/cancel", runs.Cancel)

	s := admin.Group("/schedules")
	s.POST("", schedules.Create)
	s.GET("", schedules.List)
	s.GET("/:id", schedules.GetByID)
	s.POST("/:id/pause", schedules.Pause)
	s.POST("/:id/resume", schedules.Resume)
	s.DELETE("/:id", schedules.Delete)

	return r
}
