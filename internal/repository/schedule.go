package repository

import (
	"context"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/cursor"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

// ListSchedulesInput is a cursor-paginated listing filter for Schedules.
type ListSchedulesInput struct {
	Enabled *bool
	After   cursor.Page
	Limit   int
}

// ScheduleAdvance is a due schedule's disposition for one claim: FireAt
// holds every fire instant that should get a ScheduleRun (in chronological
// order, empty if the schedule's backlog is being dropped under
// skip_missed), and Next is the next_fire_at the schedule should advance to.
type ScheduleAdvance struct {
	FireAt []time.Time
	Next   time.Time
}

type ScheduleRepository interface {
	Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	GetByID(ctx context.Context, id string) (*domain.Schedule, error)
	GetByName(ctx context.Context, name string) (*domain.Schedule, error)
	List(ctx context.Context, input ListSchedulesInput) ([]*domain.Schedule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	Delete(ctx context.Context, id string) error

	// ClaimDue exclusively claims schedules with next_fire_at <= asOf, up to
	// limit, asks computeAdvance which fire instants each claimed schedule
	// should enqueue and where it should advance to, and creates the
	// corresponding ScheduleRun rows — all inside one transaction, mirroring
	// the scheduler's atomic claim-and-advance pattern for due schedules.
	ClaimDue(ctx context.Context, asOf time.Time, limit int, computeAdvance func(*domain.Schedule) ScheduleAdvance) ([]*domain.ScheduleRun, error)

	CompleteScheduleRun(ctx context.Context, id string, status domain.ScheduleRunStatus, summary string) error
}
