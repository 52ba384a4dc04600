package repository

import (
	"context"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

// BreakerRepository persists per-key circuit breaker state. GetOrCreate
// seeds a closed breaker with the given defaults the first time a key is
// observed, so node evaluators never need a separate provisioning step.
type BreakerRepository interface {
	GetOrCreate(ctx context.Context, key string, failureThreshold, cooldownSeconds int) (*domain.CircuitBreaker, error)
	CompareAndSwap(ctx context.Context, next domain.CircuitBreaker, expectedVersion int) error
}
