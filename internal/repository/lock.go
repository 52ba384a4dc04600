package repository

import (
	"context"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

// LockRepository implements the leased mutual-exclusion primitive used by
// the schedule dispatcher's primary election (the engine claims runs
// through RunRepository.ClaimPending, not a per-run lock). Implementations must make TryAcquire an atomic
// upsert (insert-or-steal-if-expired) so two instances racing never both
// believe they hold the same key.
type LockRepository interface {
	TryAcquire(ctx context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error)
	Renew(ctx context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error)
	Release(ctx context.Context, key, ownerID string) error
	Get(ctx context.Context, key string) (*domain.Lock, error)
}
