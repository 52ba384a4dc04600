package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/clock"
	"github.com/orchestration-core/pipeline-engine/internal/cursor"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/gin-gonic/gin"
)

type ScheduleHandler struct {
	schedules repository.ScheduleRepository
	logger    *slog.Logger
	loc       *time.Location
}

func NewScheduleHandler(schedules repository.ScheduleRepository, logger *slog.Logger, loc *time.Location) *ScheduleHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &ScheduleHandler{schedules: schedules, logger: logger.With("component", "schedule_handler"), loc: loc}
}

type createScheduleRequest struct {
	Name             string                  `json:"name" binding:"required,max=256"`
	ActionKind       domain.ActionKind       `json:"action_kind" binding:"required,oneof=run_task execute_pipeline send_notification call_api"`
	ActionPayload    json.RawMessage         `json:"action_payload"`
	TriggerKind      domain.TriggerKind      `json:"trigger_kind" binding:"required,oneof=cron interval one_shot event"`
	Trigger          domain.TriggerSpec      `json:"trigger"`
	FailureHandling  domain.FailureHandling  `json:"failure_handling" binding:"omitempty,oneof=retry_next_tick backoff disable"`
	MissedFirePolicy domain.MissedFirePolicy `json:"missed_fire_policy" binding:"omitempty,oneof=coalesce fire_all skip_missed"`
	Tags             []string                `json:"tags,omitempty"`
}

func (h *ScheduleHandler) Create(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s := &domain.Schedule{
		Name:             req.Name,
		ActionKind:       req.ActionKind,
		ActionPayload:    req.ActionPayload,
		TriggerKind:      req.TriggerKind,
		Trigger:          req.Trigger,
		FailureHandling:  req.FailureHandling,
		MissedFirePolicy: req.MissedFirePolicy,
		Tags:             req.Tags,
		Enabled:          true,
	}

	if err := clock.ValidateTrigger(s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	next, err := clock.NextFire(s, clock.Real{}.Now(), h.loc)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if next.IsZero() {
		if req.TriggerKind == domain.TriggerOneShot {
			next = *req.Trigger.FireAt
		} else {
			next = clock.Real{}.Now()
		}
	}
	s.NextFireAt = next

	created, err := h.schedules.Create(c.Request.Context(), s)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNameConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": errScheduleNameConflict})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "create schedule", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusCreated, created)
}

func (h *ScheduleHandler) GetByID(c *gin.Context) {
	id := c.Param("id")

	s, err := h.schedules.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "get schedule", "schedule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, s)
}

func (h *ScheduleHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	after, err := cursor.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	var enabled *bool
	if v := c.Query("enabled"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled must be a boolean"})
			return
		}
		enabled = &b
	}

	schedules, err := h.schedules.List(c.Request.Context(), repository.ListSchedulesInput{
		Enabled: enabled,
		After:   after,
		Limit:   limit,
	})
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "list schedules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (h *ScheduleHandler) setEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")

	if err := h.schedules.SetEnabled(c.Request.Context(), id, enabled); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "set schedule enabled", "schedule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *ScheduleHandler) Pause(c *gin.Context)  { h.setEnabled(c, false) }
func (h *ScheduleHandler) Resume(c *gin.Context) { h.setEnabled(c, true) }

func (h *ScheduleHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	if err := h.schedules.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errScheduleNotFound})
			return
		}
		h.logger.ErrorContext(c.Request.Context(), "delete schedule", "schedule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	c.Status(http.StatusNoContent)
}
