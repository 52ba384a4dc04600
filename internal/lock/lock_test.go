package lock_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/lock"
)

type fakeRepo struct {
	mu    sync.Mutex
	locks map[string]*domain.Lock
	renewErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{locks: make(map[string]*domain.Lock)}
}

func (f *fakeRepo) TryAcquire(_ context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	if existing, ok := f.locks[key]; ok && existing.OwnerID != ownerID && !existing.Expired(now) {
		return nil, domain.ErrLockHeld
	}
	l := &domain.Lock{Key: key, OwnerID: ownerID, AcquiredAt: now, LeaseExpiresAt: now.Add(lease)}
	f.locks[key] = l
	return l, nil
}

func (f *fakeRepo) Renew(_ context.Context, key, ownerID string, lease time.Duration) (*domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.renewErr != nil {
		return nil, f.renewErr
	}
	existing, ok := f.locks[key]
	if !ok || existing.OwnerID != ownerID {
		return nil, domain.ErrLockNotHeld
	}
	existing.LeaseExpiresAt = time.Now().Add(lease)
	return existing, nil
}

func (f *fakeRepo) Release(_ context.Context, key, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.locks[key]
	if !ok || existing.OwnerID != ownerID {
		return domain.ErrLockNotHeld
	}
	delete(f.locks, key)
	return nil
}

func (f *fakeRepo) Get(_ context.Context, key string) (*domain.Lock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.locks[key]
	if !ok {
		return nil, domain.ErrLockNotFound
	}
	return l, nil
}

func newTestService() *lock.Service {
	return lock.NewService(newFakeRepo(), slog.Default())
}

func TestAcquire_SecondOwnerRejectedWhileHeld(t *testing.T) {
	repo := newFakeRepo()
	svc := lock.NewService(repo, slog.Default())

	if _, err := svc.Acquire(context.Background(), "dispatcher.primary", "owner-a", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err := svc.Acquire(context.Background(), "dispatcher.primary", "owner-b", time.Minute)
	if err == nil {
		t.Fatal("expected second owner to be rejected")
	}
}

func TestAcquireAndHold_RenewalFailureClosesLost(t *testing.T) {
	repo := newFakeRepo()
	svc := lock.NewService(repo, slog.Default())

	held, err := svc.AcquireAndHold(context.Background(), "run.123", "owner-a", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire and hold: %v", err)
	}
	defer held.Release(context.Background())

	repo.mu.Lock()
	repo.renewErr = domain.ErrLockHeld
	repo.mu.Unlock()

	select {
	case <-held.Lost:
	case <-time.After(time.Second):
		t.Fatal("expected Lost to close after renewal failure")
	}
}

func TestHeldRelease_IgnoresAlreadyReleasedLock(t *testing.T) {
	svc := newTestService()

	held, err := svc.AcquireAndHold(context.Background(), "run.456", "owner-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire and hold: %v", err)
	}
	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := held.Release(context.Background()); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}
}
