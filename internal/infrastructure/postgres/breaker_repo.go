package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BreakerRepository struct {
	pool *pgxpool.Pool
}

func NewBreakerRepository(pool *pgxpool.Pool) *BreakerRepository {
	return &BreakerRepository{pool: pool}
}

func (r *BreakerRepository) GetOrCreate(ctx context.Context, key string, failureThreshold, cooldownSeconds int) (*domain.CircuitBreaker, error) {
	query := `
		INSERT INTO circuit_breakers (key, state, failure_threshold, cooldown_seconds)
		VALUES ($1, 'closed', $2, $3)
		ON CONFLICT (key) DO UPDATE SET key = circuit_breakers.key
		RETURNING key, state, consecutive_failures, opened_at, next_probe_at,
		          failure_threshold, cooldown_seconds, half_open_probe_in_use, version, updated_at`

	row := r.pool.QueryRow(ctx, query, key, failureThreshold, cooldownSeconds)
	return scanBreaker(row)
}

func (r *BreakerRepository) CompareAndSwap(ctx context.Context, next domain.CircuitBreaker, expectedVersion int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE circuit_breakers
		SET    state                  = $3,
		       consecutive_failures   = $4,
		       opened_at              = $5,
		       next_probe_at          = $6,
		       half_open_probe_in_use = $7,
		       version                = version + 1,
		       updated_at             = NOW()
		WHERE key = $1 AND version = $2`,
		next.Key, expectedVersion, next.State, next.ConsecutiveFailures,
		next.OpenedAt, next.NextProbeAt, next.HalfOpenProbeInUse)
	if err != nil {
		return fmt.Errorf("compare-and-swap breaker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("breaker %s: %w", next.Key, domain.ErrConflict)
	}
	return nil
}

func scanBreaker(row rowScanner) (*domain.CircuitBreaker, error) {
	var b domain.CircuitBreaker
	err := row.Scan(
		&b.Key, &b.State, &b.ConsecutiveFailures, &b.OpenedAt, &b.NextProbeAt,
		&b.FailureThreshold, &b.CooldownSeconds, &b.HalfOpenProbeInUse, &b.Version, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("breaker: %w", pgx.ErrNoRows)
		}
		return nil, fmt.Errorf("scan breaker: %w", err)
	}
	return &b, nil
}
