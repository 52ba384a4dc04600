package clock_test

import (
	"errors"
	"testing"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/clock"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
)

func TestNextFire_Cron(t *testing.T) {
	s := &domain.Schedule{
		TriggerKind: domain.TriggerCron,
		Trigger:     domain.TriggerSpec{CronExpr: "0 * * * *"},
	}
	after := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	next, err := clock.NextFire(s, after, time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextFire_Cron_HonorsConfiguredTimeZone(t *testing.T) {
	s := &domain.Schedule{
		TriggerKind: domain.TriggerCron,
		Trigger:     domain.TriggerSpec{CronExpr: "0 9 * * *"},
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	// 10:00 UTC on this date is 06:00 in New York (EDT, UTC-4); the next
	// 09:00-local fire should land at 13:00 UTC the same day, not 09:00 UTC.
	after := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	next, err := clock.NextFire(s, after, ny)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNextFire_Interval(t *testing.T) {
	s := &domain.Schedule{
		TriggerKind: domain.TriggerInterval,
		Trigger:     domain.TriggerSpec{Interval: 90 * time.Second},
	}
	after := time.Unix(0, 0).UTC()
	next, err := clock.NextFire(s, after, time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.Equal(after.Add(90 * time.Second)) {
		t.Fatalf("unexpected next fire: %v", next)
	}
}

func TestNextFire_OneShotReturnsZero(t *testing.T) {
	s := &domain.Schedule{TriggerKind: domain.TriggerOneShot}
	next, err := clock.NextFire(s, time.Now(), time.UTC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.IsZero() {
		t.Fatalf("expected zero time for one_shot, got %v", next)
	}
}

func TestValidateTrigger_RejectsBadCron(t *testing.T) {
	s := &domain.Schedule{TriggerKind: domain.TriggerCron, Trigger: domain.TriggerSpec{CronExpr: "not a cron"}}
	if err := clock.ValidateTrigger(s); !errors.Is(err, domain.ErrInvalidCronExpr) {
		t.Fatalf("expected invalid cron error, got %v", err)
	}
}

func TestValidateTrigger_RejectsSubSecondInterval(t *testing.T) {
	s := &domain.Schedule{TriggerKind: domain.TriggerInterval, Trigger: domain.TriggerSpec{Interval: 100 * time.Millisecond}}
	if err := clock.ValidateTrigger(s); !errors.Is(err, domain.ErrInvalidInterval) {
		t.Fatalf("expected invalid interval error, got %v", err)
	}
}
