package repository

import (
	"context"

	"github.com/orchestration-core/pipeline-engine/internal/cursor"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

// ListPipelinesInput is a cursor-paginated listing filter, following the
// same cursor shape the scheduler's usecase layer used for schedules.
type ListPipelinesInput struct {
	Status domain.PipelineStatus
	After  cursor.Page
	Limit  int
}

// PipelineRepository persists Pipeline definitions. Create assigns a new
// id and version 1; CreateVersion appends a new version for an existing
// pipeline id, leaving prior versions intact for in-flight Runs to
// continue referencing per the immutable-per-version contract.
type PipelineRepository interface {
	Create(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error)
	CreateVersion(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error)
	GetByIDVersion(ctx context.Context, id string, version int) (*domain.Pipeline, error)
	GetLatest(ctx context.Context, id string) (*domain.Pipeline, error)
	GetByName(ctx context.Context, name string) (*domain.Pipeline, error)
	SetStatus(ctx context.Context, id string, status domain.PipelineStatus) error
	List(ctx context.Context, input ListPipelinesInput) ([]*domain.Pipeline, error)
}
