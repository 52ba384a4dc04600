package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrScheduleNotFound     = errors.New("schedule not found")
	ErrInvalidCronExpr      = errors.New("invalid cron expression")
	ErrInvalidInterval      = errors.New("interval must be at least one second")
	ErrInvalidOneShot       = errors.New("one_shot fire_at must be in the future")
	ErrUnknownEvent         = errors.New("event name is not registered")
	ErrScheduleNameConflict = errors.New("schedule with this name already exists")
)

// TriggerKind selects how a Schedule computes its fire times.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerOneShot  TriggerKind = "one_shot"
	TriggerEvent    TriggerKind = "event"
)

// ActionKind selects the Action Handler (C5) a Schedule dispatches into.
type ActionKind string

const (
	ActionRunTask         ActionKind = "run_task"
	ActionExecutePipeline ActionKind = "execute_pipeline"
	ActionSendNotification ActionKind = "send_notification"
	ActionCallAPI         ActionKind = "call_api"
)

// MissedFirePolicy governs catch-up behavior after a gap with no primary.
type MissedFirePolicy string

const (
	MissedCoalesce MissedFirePolicy = "coalesce"
	MissedFireAll  MissedFirePolicy = "fire_all"
	MissedSkip     MissedFirePolicy = "skip_missed"
)

// FailureHandling governs what happens to a Schedule after a handler failure.
type FailureHandling string

const (
	FailureRetryNextTick FailureHandling = "retry_next_tick"
	FailureBackoff       FailureHandling = "backoff"
	FailureDisable       FailureHandling = "disable"
)

// TriggerSpec carries the trigger-kind-specific configuration for a Schedule.
type TriggerSpec struct {
	CronExpr string        `json:"cron_expr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	FireAt   *time.Time    `json:"fire_at,omitempty"`
	EventName string       `json:"event_name,omitempty"`
}

// Schedule is a time- or event-driven trigger that dispatches an action.
type Schedule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	ActionKind      ActionKind      `json:"action_kind"`
	ActionPayload   json.RawMessage `json:"action_payload"`
	TriggerKind     TriggerKind     `json:"trigger_kind"`
	Trigger         TriggerSpec     `json:"trigger"`
	NextFireAt      time.Time       `json:"next_fire_at"`
	LastFireAt      *time.Time      `json:"last_fire_at,omitempty"`
	Enabled         bool            `json:"enabled"`
	FailureHandling FailureHandling `json:"failure_handling"`
	MissedFirePolicy MissedFirePolicy `json:"missed_fire_policy"`
	Tags            []string        `json:"tags,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ScheduleRunStatus is the lifecycle state of one fire of a Schedule.
type ScheduleRunStatus string

const (
	ScheduleRunClaimed   ScheduleRunStatus = "claimed"
	ScheduleRunRunning   ScheduleRunStatus = "running"
	ScheduleRunSucceeded ScheduleRunStatus = "succeeded"
	ScheduleRunFailed    ScheduleRunStatus = "failed"
	ScheduleRunMissed    ScheduleRunStatus = "missed"
)

func (s ScheduleRunStatus) IsTerminal() bool {
	switch s {
	case ScheduleRunSucceeded, ScheduleRunFailed, ScheduleRunMissed:
		return true
	default:
		return false
	}
}

// ScheduleRun records one fire instant's claim, dispatch, and outcome.
// Invariant: at most one non-terminal ScheduleRun per (schedule, fire_at).
type ScheduleRun struct {
	ID              string            `json:"id"`
	ScheduleID      string            `json:"schedule_id"`
	FireAt          time.Time         `json:"fire_at"`
	ClaimAt         time.Time         `json:"claim_at"`
	DispatchedAt    *time.Time        `json:"dispatched_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Status          ScheduleRunStatus `json:"status"`
	ResultSummary   string            `json:"result_summary,omitempty"`
	IdempotencyHint string            `json:"idempotency_hint,omitempty"`
}
