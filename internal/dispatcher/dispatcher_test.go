package dispatcher_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/action"
	"github.com/orchestration-core/pipeline-engine/internal/dispatcher"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/eventbus"
	"github.com/orchestration-core/pipeline-engine/internal/lock"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/google/uuid"
)

type fakeClock struct{ mu sync.Mutex; now time.Time }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now().UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) SleepUntil(ctx context.Context, t time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

type fakeLockRepo struct {
	mu    sync.Mutex
	locks map[string]*domain.Lock
}

func newFakeLockRepo() *fakeLockRepo { return &fakeLockRepo{locks: make(map[string]*domain.Lock)} }

func (r *fakeLockRepo) TryAcquire(_ context.Context, key, owner string, lease time.Duration) (*domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.locks[key]; ok && !existing.Expired(now) && existing.OwnerID != owner {
		return nil, domain.ErrLockHeld
	}
	l := &domain.Lock{Key: key, OwnerID: owner, AcquiredAt: now, LeaseExpiresAt: now.Add(lease)}
	r.locks[key] = l
	return l, nil
}

func (r *fakeLockRepo) Renew(_ context.Context, key, owner string, lease time.Duration) (*domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.locks[key]
	if !ok || existing.OwnerID != owner {
		return nil, domain.ErrLockNotHeld
	}
	existing.LeaseExpiresAt = time.Now().UTC().Add(lease)
	return existing, nil
}

func (r *fakeLockRepo) Release(_ context.Context, key, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.locks[key]
	if !ok || existing.OwnerID != owner {
		return domain.ErrLockNotHeld
	}
	delete(r.locks, key)
	return nil
}

func (r *fakeLockRepo) Get(_ context.Context, key string) (*domain.Lock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		return nil, domain.ErrLockNotFound
	}
	return l, nil
}

type fakeSchedules struct {
	mu   sync.Mutex
	byID map[string]*domain.Schedule
	runs map[string]*domain.ScheduleRun
	done chan string
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{byID: make(map[string]*domain.Schedule), runs: make(map[string]*domain.ScheduleRun), done: make(chan string, 10)}
}

func (f *fakeSchedules) Create(_ context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.ID = uuid.NewString()
	s.Enabled = true
	f.byID[s.ID] = s
	return s, nil
}
func (f *fakeSchedules) GetByID(_ context.Context, id string) (*domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	return s, nil
}
func (f *fakeSchedules) GetByName(context.Context, string) (*domain.Schedule, error) {
	return nil, domain.ErrScheduleNotFound
}
func (f *fakeSchedules) List(_ context.Context, _ repository.ListSchedulesInput) ([]*domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Schedule
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeSchedules) SetEnabled(_ context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byID[id]; ok {
		s.Enabled = enabled
	}
	return nil
}
func (f *fakeSchedules) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	return nil
}
func (f *fakeSchedules) ClaimDue(_ context.Context, asOf time.Time, limit int, computeAdvance func(*domain.Schedule) repository.ScheduleAdvance) ([]*domain.ScheduleRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ScheduleRun
	for _, s := range f.byID {
		if len(out) >= limit {
			break
		}
		if !s.Enabled || s.NextFireAt.After(asOf) {
			continue
		}
		advance := computeAdvance(s)
		s.NextFireAt = advance.Next
		if len(advance.FireAt) > 0 {
			last := advance.FireAt[len(advance.FireAt)-1]
			s.LastFireAt = &last
		}
		for _, fireAt := range advance.FireAt {
			run := &domain.ScheduleRun{
				ID:              uuid.NewString(),
				ScheduleID:      s.ID,
				FireAt:          fireAt,
				ClaimAt:         asOf,
				Status:          domain.ScheduleRunClaimed,
				IdempotencyHint: "sched:" + s.ID,
			}
			f.runs[run.ID] = run
			out = append(out, run)
		}
	}
	return out, nil
}
func (f *fakeSchedules) CompleteScheduleRun(_ context.Context, id string, status domain.ScheduleRunStatus, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		run.Status = status
		run.ResultSummary = summary
	}
	select {
	case f.done <- id:
	default:
	}
	return nil
}

type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) Handle(context.Context, json.RawMessage, string) domain.Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return domain.Success(nil)
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDispatcher_FiresDueIntervalSchedule(t *testing.T) {
	clk := newFakeClock()
	schedules := newFakeSchedules()
	handler := &countingHandler{}
	registry := action.NewRegistry()
	registry.Register(domain.ActionCallAPI, handler)

	s := &domain.Schedule{
		Name:        "nightly",
		ActionKind:  domain.ActionCallAPI,
		TriggerKind: domain.TriggerInterval,
		Trigger:     domain.TriggerSpec{Interval: time.Minute},
		NextFireAt:  clk.Now().Add(-time.Second),
		Enabled:     true,
	}
	created, _ := schedules.Create(context.Background(), s)

	lockSvc := lock.NewService(newFakeLockRepo(), testLogger())
	events := eventbus.NewTransport(10)

	d := dispatcher.New(schedules, lockSvc, registry, events, clk, testLogger(), time.Second, 5*time.Millisecond, 5, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Start(ctx) }()

	select {
	case <-schedules.done:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never fired")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.count != 1 {
		t.Fatalf("expected handler invoked once, got %d", handler.count)
	}
	if created.Enabled != true {
		t.Fatalf("interval schedule should remain enabled after firing")
	}
}

// backloggedSchedule builds an interval schedule whose NextFireAt is far
// enough in the past that it has accumulated exactly 3 missed instants
// (spaced by the schedule's own interval) by the time computeAdvance caps
// at maxMissedBackfill == 3, with the final instant still more than the
// dispatcher's tick interval stale. All three therefore classify as missed.
func backloggedSchedule(clk *fakeClock, interval time.Duration) *domain.Schedule {
	return &domain.Schedule{
		Name:             "backlog",
		ActionKind:       domain.ActionCallAPI,
		TriggerKind:      domain.TriggerInterval,
		Trigger:          domain.TriggerSpec{Interval: interval},
		NextFireAt:       clk.Now().Add(-5 * interval / 2),
		Enabled:          true,
		MissedFirePolicy: domain.MissedCoalesce,
	}
}

func startDispatcher(schedules *fakeSchedules, registry *action.Registry, clk *fakeClock, tickInterval time.Duration, maxMissedBackfill int) func() {
	lockSvc := lock.NewService(newFakeLockRepo(), testLogger())
	events := eventbus.NewTransport(10)
	d := dispatcher.New(schedules, lockSvc, registry, events, clk, testLogger(), time.Second, tickInterval, maxMissedBackfill, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Start(ctx) }()
	return cancel
}

func drainDone(t *testing.T, schedules *fakeSchedules, want int, timeout time.Duration) {
	t.Helper()
	for i := 0; i < want; i++ {
		select {
		case <-schedules.done:
		case <-time.After(timeout):
			t.Fatalf("timed out waiting for fire %d/%d", i+1, want)
		}
	}
}

func TestDispatcher_MissedFireAll_FiresEveryMissedInstant(t *testing.T) {
	clk := newFakeClock()
	schedules := newFakeSchedules()
	handler := &countingHandler{}
	registry := action.NewRegistry()
	registry.Register(domain.ActionCallAPI, handler)

	s := backloggedSchedule(clk, time.Second)
	s.MissedFirePolicy = domain.MissedFireAll
	schedules.Create(context.Background(), s)

	cancel := startDispatcher(schedules, registry, clk, time.Millisecond, 3)
	defer cancel()
	drainDone(t, schedules, 3, 2*time.Second)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.count != 3 {
		t.Fatalf("expected fire_all to fire all 3 backlogged instants, got %d", handler.count)
	}
}

func TestDispatcher_MissedSkip_DropsStaleInstants(t *testing.T) {
	clk := newFakeClock()
	schedules := newFakeSchedules()
	handler := &countingHandler{}
	registry := action.NewRegistry()
	registry.Register(domain.ActionCallAPI, handler)

	s := backloggedSchedule(clk, time.Second)
	s.MissedFirePolicy = domain.MissedSkip
	created, _ := schedules.Create(context.Background(), s)

	cancel := startDispatcher(schedules, registry, clk, time.Millisecond, 3)
	defer cancel()

	// No fire is expected at all; give the dispatcher many ticks to prove
	// the absence rather than racing a single one.
	time.Sleep(200 * time.Millisecond)

	handler.mu.Lock()
	count := handler.count
	handler.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected skip_missed to fire nothing for a fully-stale backlog, got %d", count)
	}

	advanced, err := schedules.GetByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !advanced.NextFireAt.After(clk.Now()) {
		t.Fatalf("expected skip_missed to advance next_fire_at past the backlog, got %s", advanced.NextFireAt)
	}
}

func TestDispatcher_MissedCoalesce_FiresOnceForBacklog(t *testing.T) {
	clk := newFakeClock()
	schedules := newFakeSchedules()
	handler := &countingHandler{}
	registry := action.NewRegistry()
	registry.Register(domain.ActionCallAPI, handler)

	s := backloggedSchedule(clk, time.Second)
	s.MissedFirePolicy = domain.MissedCoalesce
	schedules.Create(context.Background(), s)

	cancel := startDispatcher(schedules, registry, clk, time.Millisecond, 3)
	defer cancel()
	drainDone(t, schedules, 1, 2*time.Second)

	// Give any (incorrect) extra fires a chance to show up before asserting.
	time.Sleep(50 * time.Millisecond)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.count != 1 {
		t.Fatalf("expected coalesce to collapse the backlog into a single fire, got %d", handler.count)
	}
}
