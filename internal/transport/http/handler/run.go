package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/orchestration-core/pipeline-engine/internal/cursor"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/gin-gonic/gin"
)

// runEngine is the subset of *engine.Engine the handler needs. Defined here
// (point of use) so tests can inject a fake without importing the engine
// package.
type runEngine interface {
	Submit(ctx context.Context, pipelineRef string, input json.RawMessage, idempotencyKey string) (string, error)
	Cancel(ctx context.Context, runID string) error
	GetStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error)
}

type RunHandler struct {
	engine runEngine
	runs   repository.RunRepository
	logger *slog.Logger
}

func NewRunHandler(engine runEngine, runs repository.RunRepository, logger *slog.Logger) *RunHandler {
	return &RunHandler{engine: engine, runs: runs, logger: logger.With("component", "run_handler")}
}

func (h *RunHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	after, err := cursor.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	runs, err := h.runs.List(c.Request.Context(), repository.ListRunsInput{
		PipelineID: c.Query("pipeline_id"),
		Status:     domain.RunStatus(c.Query("status")),
		After:      after,
		Limit:      limit,
	})
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "list runs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

type submitRunRequest struct {
	PipelineID     string          `json:"pipeline_id" binding:"required"`
	Input          json.RawMessage `json:"input"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (h *RunHandler) Submit(c *gin.Context) {
	var req submitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.engine.Submit(c.Request.Context(), req.PipelineID, req.Input, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPipelineNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": errPipelineNotFound})
		case errors.Is(err, domain.ErrPipelineDisabled):
			c.JSON(http.StatusConflict, gin.H{"error": errPipelineDisabled})
		case errors.Is(err, domain.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.ErrorContext(c.Request.Context(), "submit run", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run_id": id})
}

func (h *RunHandler) GetStatus(c *gin.Context) {
	id := c.Param("id")

	snap, err := h.engine.GetStatus(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errRunNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "get run status", "run_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *RunHandler) Cancel(c *gin.Context) {
	id := c.Param("id")

	if err := h.engine.Cancel(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": errRunNotFound})
		case errors.Is(err, domain.ErrAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": errAlreadyTerminal})
		default:
			h.logger.ErrorContext(c.Request.Context(), "cancel run", "run_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	c.Status(http.StatusAccepted)
}
