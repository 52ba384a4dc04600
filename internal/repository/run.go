package repository

import (
	"context"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/cursor"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

// ListRunsInput is a cursor-paginated listing filter for Runs.
type ListRunsInput struct {
	PipelineID string
	Status     domain.RunStatus
	After      cursor.Page
	Limit      int
}

// RunRepository persists Run and NodeResult state. Transition methods are
// implemented as single-transaction conditional updates (compare-and-set on
// status + version) so two engine instances racing on the same run never
// both believe they advanced it.
type RunRepository interface {
	Create(ctx context.Context, r *domain.Run) (*domain.Run, error)
	GetByID(ctx context.Context, id string) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, pipelineID, key string) (*domain.Run, error)
	List(ctx context.Context, input ListRunsInput) ([]*domain.Run, error)

	// ClaimPending exclusively claims up to limit runs in RunPending status
	// and transitions them to RunRunning, returning the claimed rows. Backed
	// by FOR UPDATE SKIP LOCKED so concurrent engine instances partition the
	// pending set without contention.
	ClaimPending(ctx context.Context, limit int) ([]*domain.Run, error)

	// CompareAndSetStatus performs an optimistic-concurrency transition: it
	// succeeds only if the stored row's version matches expectedVersion, and
	// bumps the version on success. Returns domain.ErrConflict otherwise.
	CompareAndSetStatus(ctx context.Context, id string, expectedVersion int, newStatus domain.RunStatus, errorSummary string, output []byte) error

	RequestCancel(ctx context.Context, id string) error

	// ListOrphaned returns runs left in RunRunning with no live owner as of
	// cutoff, for the startup recovery scanner to resume or fail.
	ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Run, error)

	UpsertNodeResult(ctx context.Context, nr *domain.NodeResult) (*domain.NodeResult, error)
	GetNodeResult(ctx context.Context, runID, nodeID string) (*domain.NodeResult, error)
	ListNodeResults(ctx context.Context, runID string) ([]*domain.NodeResult, error)
	CompareAndSetNodeResult(ctx context.Context, id string, expectedVersion int, status domain.NodeResultStatus, output []byte, errText string, boolTag *bool) error
	MarkNodeResultsOrphaned(ctx context.Context, runID string) error
}
