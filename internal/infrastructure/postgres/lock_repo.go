package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type LockRepository struct {
	pool *pgxpool.Pool
}

func NewLockRepository(pool *pgxpool.Pool) *LockRepository {
	return &LockRepository{pool: pool}
}

// TryAcquire inserts a fresh lock row, or steals an expired one, in a
// single upsert — the same insert-or-skip-locked shape the claim queries
// use elsewhere in this repository, specialized to one contended row per
// key instead of a batch.
func (r *LockRepository) TryAcquire(ctx context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(lease)

	query := `
		INSERT INTO locks (key, owner_id, acquired_at, lease_expires_at, fencing)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (key) DO UPDATE
		SET owner_id = $2, acquired_at = $3, lease_expires_at = $4, fencing = locks.fencing + 1
		WHERE locks.lease_expires_at <= $3
		RETURNING key, owner_id, acquired_at, lease_expires_at, fencing`

	row := r.pool.QueryRow(ctx, query, key, ownerID, now, expiresAt)
	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, errLockRowMissing) {
			return nil, domain.ErrLockHeld
		}
		return nil, err
	}
	return lock, nil
}

func (r *LockRepository) Renew(ctx context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(lease)

	query := `
		UPDATE locks
		SET    lease_expires_at = $4, fencing = fencing + 1
		WHERE  key = $1 AND owner_id = $2 AND lease_expires_at > $3
		RETURNING key, owner_id, acquired_at, lease_expires_at, fencing`

	row := r.pool.QueryRow(ctx, query, key, ownerID, now, expiresAt)
	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, errLockRowMissing) {
			return nil, domain.ErrLockNotHeld
		}
		return nil, err
	}
	return lock, nil
}

func (r *LockRepository) Release(ctx context.Context, key, ownerID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM locks WHERE key = $1 AND owner_id = $2`, key, ownerID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLockNotHeld
	}
	return nil
}

func (r *LockRepository) Get(ctx context.Context, key string) (*domain.Lock, error) {
	query := `SELECT key, owner_id, acquired_at, lease_expires_at, fencing FROM locks WHERE key = $1`
	lock, err := scanLock(r.pool.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, errLockRowMissing) {
			return nil, domain.ErrLockNotFound
		}
		return nil, err
	}
	return lock, nil
}

var errLockRowMissing = errors.New("lock row missing")

func scanLock(row rowScanner) (*domain.Lock, error) {
	var l domain.Lock
	err := row.Scan(&l.Key, &l.OwnerID, &l.AcquiredAt, &l.LeaseExpiresAt, &l.Fencing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errLockRowMissing
		}
		return nil, fmt.Errorf("scan lock: %w", err)
	}
	return &l, nil
}
