package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/orchestration-core/pipeline-engine/internal/cursor"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/gin-gonic/gin"
)

type PipelineHandler struct {
	pipelines repository.PipelineRepository
	bounds    domain.PolicyBounds
	logger    *slog.Logger
}

func NewPipelineHandler(pipelines repository.PipelineRepository, bounds domain.PolicyBounds, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{pipelines: pipelines, bounds: bounds, logger: logger.With("component", "pipeline_handler")}
}

type createPipelineRequest struct {
	Name          string          `json:"name" binding:"required,max=256"`
	Nodes         []domain.Node   `json:"nodes" binding:"required"`
	Edges         []domain.Edge   `json:"edges"`
	InputSchema   []byte          `json:"input_schema,omitempty"`
	DefaultPolicy domain.Policy   `json:"default_policy"`
}

func (h *PipelineHandler) validate(p *domain.Pipeline) error {
	if err := p.Canonicalize(); err != nil {
		return err
	}
	if _, err := domain.ValidateDAG(p); err != nil {
		return err
	}
	if err := p.DefaultPolicy.Validate(h.bounds); err != nil {
		return err
	}
	for _, n := range p.Nodes {
		if n.Policy == nil {
			continue
		}
		if err := n.Policy.Validate(h.bounds); err != nil {
			return err
		}
	}
	return nil
}

func (h *PipelineHandler) Create(c *gin.Context) {
	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := &domain.Pipeline{
		Name:          req.Name,
		Nodes:         req.Nodes,
		Edges:         req.Edges,
		InputSchema:   req.InputSchema,
		DefaultPolicy: req.DefaultPolicy,
		Status:        domain.PipelineActive,
	}

	if err := h.validate(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.pipelines.Create(c.Request.Context(), p)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicatePipeline) {
			c.JSON(http.StatusConflict, gin.H{"error": errDuplicatePipeline})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "create pipeline", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusCreated, created)
}

// CreateVersion appends a new version to an existing pipeline id. Prior
// versions remain fetchable so in-flight Runs keep resolving the version
// they started on.
func (h *PipelineHandler) CreateVersion(c *gin.Context) {
	id := c.Param("id")

	var req createPipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := &domain.Pipeline{
		ID:            id,
		Name:          req.Name,
		Nodes:         req.Nodes,
		Edges:         req.Edges,
		InputSchema:   req.InputSchema,
		DefaultPolicy: req.DefaultPolicy,
		Status:        domain.PipelineActive,
	}

	if err := h.validate(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	created, err := h.pipelines.CreateVersion(c.Request.Context(), p)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errPipelineNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "create pipeline version", "pipeline_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *PipelineHandler) GetLatest(c *gin.Context) {
	id := c.Param("id")

	p, err := h.pipelines.GetLatest(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errPipelineNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "get pipeline", "pipeline_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) GetVersion(c *gin.Context) {
	id := c.Param("id")
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version must be an integer"})
		return
	}

	p, err := h.pipelines.GetByIDVersion(c.Request.Context(), id, version)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errPipelineNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "get pipeline version", "pipeline_id", id, "version", version, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) SetStatus(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Status domain.PipelineStatus `json:"status" binding:"required,oneof=active disabled archived"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.pipelines.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errPipelineNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "set pipeline status", "pipeline_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *PipelineHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	after, err := cursor.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	pipelines, err := h.pipelines.List(c.Request.Context(), repository.ListPipelinesInput{
		Status: domain.PipelineStatus(c.Query("status")),
		After:  after,
		Limit:  limit,
	})
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "list pipelines", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pipelines": pipelines})
}
