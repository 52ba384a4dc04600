// Package clock is the Clock & Trigger Source (C2): it turns a Schedule's
// trigger spec into concrete fire times, and gives the rest of the system a
// single seam for "now" and "sleep" so tests can run without wall-clock
// waits.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/robfig/cron/v3"
)

// Clock abstracts wall-clock access and cancellable sleeping.
type Clock interface {
	Now() time.Time
	SleepUntil(ctx context.Context, t time.Time) error
}

// Real is the production Clock backed by the operating system.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

func (Real) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextFire computes the next fire time for a Schedule strictly after after,
// dispatching on TriggerKind. Cron expressions are evaluated against loc, the
// globally configured time zone, so daylight-saving transitions shift the
// wall-clock fire time the way a user reading the cron expression in that
// zone would expect; interval and one-shot triggers are zone-independent.
// One-shot schedules that have already fired return the zero time alongside
// a nil error to signal "do not reschedule".
func NextFire(s *domain.Schedule, after time.Time, loc *time.Location) (time.Time, error) {
	switch s.TriggerKind {
	case domain.TriggerCron:
		sched, err := cronParser.Parse(s.Trigger.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", domain.ErrInvalidCronExpr, err)
		}
		return sched.Next(after.In(loc)), nil
	case domain.TriggerInterval:
		if s.Trigger.Interval < time.Second {
			return time.Time{}, domain.ErrInvalidInterval
		}
		return after.Add(s.Trigger.Interval), nil
	case domain.TriggerOneShot:
		return time.Time{}, nil
	case domain.TriggerEvent:
		// Event-triggered schedules have no periodic next-fire; the
		// dispatcher advances them only when the named event publishes.
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown trigger_kind %q", domain.ErrValidation, s.TriggerKind)
	}
}

// ValidateTrigger checks a TriggerSpec is well-formed for its kind at
// schedule-creation time, surfacing parse errors before they reach the
// dispatcher's tick loop.
func ValidateTrigger(s *domain.Schedule) error {
	switch s.TriggerKind {
	case domain.TriggerCron:
		if _, err := cronParser.Parse(s.Trigger.CronExpr); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidCronExpr, err)
		}
	case domain.TriggerInterval:
		if s.Trigger.Interval < time.Second {
			return domain.ErrInvalidInterval
		}
	case domain.TriggerOneShot:
		if s.Trigger.FireAt == nil {
			return fmt.Errorf("%w: one_shot requires fire_at", domain.ErrInvalidOneShot)
		}
		if !s.Trigger.FireAt.After(time.Now()) {
			return domain.ErrInvalidOneShot
		}
	case domain.TriggerEvent:
		if s.Trigger.EventName == "" {
			return fmt.Errorf("%w: event_name is required", domain.ErrUnknownEvent)
		}
	default:
		return fmt.Errorf("%w: unknown trigger_kind %q", domain.ErrValidation, s.TriggerKind)
	}
	return nil
}
