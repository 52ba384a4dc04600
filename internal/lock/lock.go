// Package lock implements the Distributed Lock Service (C3): a leased
// mutual-exclusion primitive backed by the postgres lock table, used by the
// schedule dispatcher's primary election. The engine takes no per-run lock;
// it claims runs through RunRepository.ClaimPending.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
)

// Service wraps a LockRepository with the renew-loop behavior every caller
// that holds a lock for longer than its lease needs.
type Service struct {
	repo   repository.LockRepository
	logger *slog.Logger
}

func NewService(repo repository.LockRepository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger.With("component", "lock")}
}

// Held represents an acquired lock along with the means to keep it alive
// and give it up. Callers must call Release when done, even after Lost
// fires, to avoid leaking a row that outlives its lease anyway.
type Held struct {
	Lock    *domain.Lock
	Lost    <-chan struct{}
	cancel  context.CancelFunc
	release func(context.Context) error
}

func (h *Held) Release(ctx context.Context) error {
	h.cancel()
	return h.release(ctx)
}

// Acquire attempts a single, non-blocking TryAcquire. Callers that need to
// wait for a lock to free up should poll Acquire on their own ticker, the
// same way the dispatcher's tick loop polls for due schedules.
func (s *Service) Acquire(ctx context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error) {
	return s.repo.TryAcquire(ctx, key, ownerID, lease)
}

// AcquireAndHold acquires key and starts a background renewal loop that
// renews at lease/3 intervals, mirroring the worker heartbeat cadence this
// repository uses elsewhere (a lease several multiples wider than the
// renewal period tolerates a few missed beats before the lock is lost).
// The returned Held's Lost channel closes if a renewal is ever rejected,
// meaning another owner may have stolen the key.
func (s *Service) AcquireAndHold(ctx context.Context, key, ownerID string, lease time.Duration) (*Held, error) {
	l, err := s.repo.TryAcquire(ctx, key, ownerID, lease)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	lost := make(chan struct{})

	go func() {
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if _, err := s.repo.Renew(loopCtx, key, ownerID, lease); err != nil {
					s.logger.Warn("lock renewal failed, treating as lost", "key", key, "owner", ownerID, "error", err)
					close(lost)
					return
				}
			}
		}
	}()

	return &Held{
		Lock: l,
		Lost: lost,
		cancel: cancel,
		release: func(ctx context.Context) error {
			err := s.repo.Release(ctx, key, ownerID)
			if errors.Is(err, domain.ErrLockNotHeld) {
				return nil
			}
			return err
		},
	}, nil
}

// ErrNotPrimary is returned by callers that require the primary lock but do
// not currently hold it.
var ErrNotPrimary = fmt.Errorf("%w: not the current primary", domain.ErrLockHeld)
