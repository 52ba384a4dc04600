package domain

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrAlreadyTerminal = errors.New("run is already terminal")
	ErrConflict        = errors.New("conflicting idempotency key")
)

// RunStatus is the lifecycle state of a Run. See §3.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunTimedOut  RunStatus = "timed_out"
)

// IsTerminal reports whether s is a terminal Run status.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled, RunTimedOut:
		return true
	default:
		return false
	}
}

// Run is one execution of a Pipeline version against an input payload.
type Run struct {
	ID              string          `json:"id"`
	PipelineID      string          `json:"pipeline_id"`
	PipelineVersion int             `json:"pipeline_version"`
	Input           json.RawMessage `json:"input"`
	Status          RunStatus       `json:"status"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	ErrorSummary    string          `json:"error_summary,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Version         int             `json:"version"` // optimistic-concurrency counter for CAS
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NodeResultStatus is the lifecycle state of a single NodeResult.
type NodeResultStatus string

const (
	NodeResultPending   NodeResultStatus = "pending"
	NodeResultRunning   NodeResultStatus = "running"
	NodeResultSucceeded NodeResultStatus = "succeeded"
	NodeResultFailed    NodeResultStatus = "failed"
	NodeResultSkipped   NodeResultStatus = "skipped"
)

// IsTerminal reports whether s is a terminal NodeResult status.
func (s NodeResultStatus) IsTerminal() bool {
	switch s {
	case NodeResultSucceeded, NodeResultFailed, NodeResultSkipped:
		return true
	default:
		return false
	}
}

// NodeResult records the outcome of one node's evaluation within a Run.
// Invariant: at most one non-terminal NodeResult per (run, node); terminal
// states are append-only (retries update the node's one non-terminal row in
// place; once that row is terminal, UpsertNodeResult no longer updates it
// and a later upsert for the same (run, node) inserts a new row).
type NodeResult struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	NodeID     string           `json:"node_id"`
	Status     NodeResultStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	ErrorText  string           `json:"error_text,omitempty"`
	BoolTag    *bool            `json:"bool_tag,omitempty"` // set by condition nodes
	Orphaned   bool             `json:"orphaned,omitempty"`
	Version    int              `json:"version"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NodeErrorEntry is the run-status-format error entry described in §6.
type NodeErrorEntry struct {
	NodeID      string    `json:"node_id"`
	Kind        string    `json:"kind"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}

// RunSnapshot is the read-only run status format described in §6.
type RunSnapshot struct {
	RunID           string                      `json:"run_id"`
	PipelineID      string                      `json:"pipeline_id"`
	PipelineVersion int                         `json:"pipeline_version"`
	Status          RunStatus                   `json:"status"`
	StartedAt       *time.Time                  `json:"started_at,omitempty"`
	FinishedAt      *time.Time                  `json:"finished_at,omitempty"`
	NodeStatus      map[string]NodeResultStatus `json:"node_status"`
	Errors          []NodeErrorEntry            `json:"errors,omitempty"`
	Output          json.RawMessage             `json:"output,omitempty"`
}
