// Package dispatcher is the Schedule Dispatcher (C7): it fires cron,
// interval, one-shot, and event-driven Schedules into the Action Handler
// registry. Only the instance holding the distributed "scheduler.primary"
// lock fires anything; the rest sit idle, ready to take over the moment
// the lock's lease lapses. It is the direct descendant of the scheduler's
// single-instance ticker dispatcher, generalized to a primary-elected
// fleet of them.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/action"
	"github.com/orchestration-core/pipeline-engine/internal/clock"
	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/eventbus"
	"github.com/orchestration-core/pipeline-engine/internal/lock"
	"github.com/orchestration-core/pipeline-engine/internal/metrics"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
)

const primaryLockKey = "scheduler.primary"

// Dispatcher owns the tick loop that claims and fires due Schedules. Run
// one per process; any number of processes may run one, only the current
// primary does anything.
type Dispatcher struct {
	schedules repository.ScheduleRepository
	lockSvc   *lock.Service
	actions   *action.Registry
	events    *eventbus.Transport
	clock     clock.Clock
	logger    *slog.Logger

	ownerID           string
	lockLease         time.Duration
	tickInterval      time.Duration
	maxMissedBackfill int
	loc               *time.Location
}

func New(
	schedules repository.ScheduleRepository,
	lockSvc *lock.Service,
	actions *action.Registry,
	events *eventbus.Transport,
	clk clock.Clock,
	logger *slog.Logger,
	lockLease, tickInterval time.Duration,
	maxMissedBackfill int,
	loc *time.Location,
) *Dispatcher {
	hostname, _ := os.Hostname()
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		schedules:         schedules,
		lockSvc:           lockSvc,
		actions:           actions,
		events:            events,
		clock:             clk,
		logger:            logger.With("component", "dispatcher"),
		ownerID:           fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		lockLease:         lockLease,
		tickInterval:      tickInterval,
		maxMissedBackfill: maxMissedBackfill,
		loc:               loc,
	}
}

// Start runs until ctx is cancelled, repeatedly attempting to become
// primary and, while primary, firing due schedules on each tick.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatcher started", "owner_id", d.ownerID, "tick_interval", d.tickInterval)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			metrics.DispatcherIsPrimary.Set(0)
			d.logger.Info("dispatcher shut down")
			return nil
		default:
		}

		held, err := d.lockSvc.AcquireAndHold(ctx, primaryLockKey, d.ownerID, d.lockLease)
		if err != nil {
			metrics.DispatcherIsPrimary.Set(0)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		d.logger.Info("acquired dispatcher primary lock")
		metrics.DispatcherIsPrimary.Set(1)
		d.runAsPrimary(ctx, held)
		metrics.DispatcherIsPrimary.Set(0)
	}
}

func (d *Dispatcher) runAsPrimary(ctx context.Context, held *lock.Held) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil {
			d.logger.Warn("release primary lock", "error", err)
		}
	}()

	eventCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()
	d.watchEventSchedules(eventCtx)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-held.Lost:
			d.logger.Warn("lost dispatcher primary lock, stepping down")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	start := d.clock.Now()
	fires, err := d.schedules.ClaimDue(ctx, d.clock.Now(), 100, d.computeAdvance)
	if err != nil {
		d.logger.Error("claim due schedules", "error", err)
		return
	}
	for _, fire := range fires {
		d.handleFire(ctx, fire)
	}
	metrics.DispatcherTickDuration.Observe(time.Since(start).Seconds())
}

// computeAdvance walks a due Schedule's fire instants from its stale
// NextFireAt up to now, capped at maxMissedBackfill instants so a schedule
// frozen for a long outage doesn't spin the dispatcher computing years of
// cron occurrences, then applies the schedule's MissedFirePolicy to decide
// which of those instants actually get a ScheduleRun:
//
//   - fire_all enqueues every collected instant, missed or not, in order.
//   - skip_missed drops every instant that fell more than one tick behind
//     and enqueues only the ones that are still within a tick of now.
//   - coalesce (the default) enqueues the on-time instants plus, if any
//     backlog exists, the single most recent missed instant — preserving
//     "a backlogged schedule still fires, just once" semantics.
//
// An instant counts as missed once it's more than one tick interval old;
// that's the dispatcher's own polling grain, so anything staler than it
// could only be explained by a gap in dispatching, not by this tick's
// normal cadence.
func (d *Dispatcher) computeAdvance(s *domain.Schedule) repository.ScheduleAdvance {
	now := d.clock.Now()
	isMissed := func(instant time.Time) bool { return now.Sub(instant) > d.tickInterval }

	instants := []time.Time{s.NextFireAt}
	next, err := clock.NextFire(s, s.NextFireAt, d.loc)
	if err != nil {
		d.logger.Error("invalid trigger on schedule, deferring next fire by 24h", "schedule_id", s.ID, "error", err)
		return repository.ScheduleAdvance{Next: s.NextFireAt.Add(24 * time.Hour)}
	}

	if !next.IsZero() {
		for next.Before(now) && len(instants) < d.maxMissedBackfill {
			instants = append(instants, next)
			stepped, stepErr := clock.NextFire(s, next, d.loc)
			if stepErr != nil || stepped.IsZero() {
				break
			}
			next = stepped
		}
	}
	if next.IsZero() {
		// one_shot triggers have no periodic next fire; the instant
		// itself doesn't move, handleFire disables the schedule after it
		// runs.
		next = s.NextFireAt
	}

	var fireAt []time.Time
	switch s.MissedFirePolicy {
	case domain.MissedFireAll:
		fireAt = instants
	case domain.MissedSkip:
		for _, instant := range instants {
			if isMissed(instant) {
				metrics.SchedulesMissedTotal.WithLabelValues(s.Name).Inc()
				continue
			}
			fireAt = append(fireAt, instant)
		}
	default: // MissedCoalesce
		var lastMissed *time.Time
		for _, instant := range instants {
			instant := instant
			if isMissed(instant) {
				lastMissed = &instant
				metrics.SchedulesMissedTotal.WithLabelValues(s.Name).Inc()
				continue
			}
			fireAt = append(fireAt, instant)
		}
		if lastMissed != nil {
			fireAt = append(fireAt, *lastMissed)
			sort.Slice(fireAt, func(i, j int) bool { return fireAt[i].Before(fireAt[j]) })
		}
	}

	return repository.ScheduleAdvance{FireAt: fireAt, Next: next}
}

func (d *Dispatcher) handleFire(ctx context.Context, run *domain.ScheduleRun) {
	schedule, err := d.schedules.GetByID(ctx, run.ScheduleID)
	if err != nil {
		d.logger.Error("load schedule for fire", "schedule_id", run.ScheduleID, "error", err)
		_ = d.schedules.CompleteScheduleRun(ctx, run.ID, domain.ScheduleRunFailed, err.Error())
		return
	}

	if schedule.TriggerKind == domain.TriggerOneShot {
		defer func() { _ = d.schedules.SetEnabled(ctx, schedule.ID, false) }()
	}

	outcome := d.actions.Dispatch(ctx, schedule.ActionKind, schedule.ActionPayload, run.IdempotencyHint)
	metrics.SchedulesFiredTotal.WithLabelValues(string(schedule.ActionKind)).Inc()

	status := domain.ScheduleRunSucceeded
	summary := ""
	if outcome.Kind != domain.OutcomeSuccess {
		status = domain.ScheduleRunFailed
		if outcome.Err != nil {
			summary = outcome.Err.Error()
		} else {
			summary = string(outcome.Kind)
		}
		switch schedule.FailureHandling {
		case domain.FailureDisable:
			_ = d.schedules.SetEnabled(ctx, schedule.ID, false)
		case domain.FailureBackoff, domain.FailureRetryNextTick:
			// next_fire_at was already advanced past this fire by
			// computeAdvance; the schedule simply tries again on its normal
			// cadence.
		}
	}

	if err := d.schedules.CompleteScheduleRun(ctx, run.ID, status, summary); err != nil {
		d.logger.Error("complete schedule run", "schedule_run_id", run.ID, "error", err)
	}
}

// watchEventSchedules subscribes to the event bus for every currently
// enabled event-triggered schedule and dispatches its action directly when
// the named event publishes. Event fires bypass ScheduleRun bookkeeping
// since there is no periodic due time to claim against; the action
// handler's own idempotency hint is derived from the event's timestamp.
func (d *Dispatcher) watchEventSchedules(ctx context.Context) {
	enabled := true
	schedules, err := d.schedules.List(ctx, repository.ListSchedulesInput{Enabled: &enabled, Limit: 1000})
	if err != nil {
		d.logger.Error("list schedules for event subscriptions", "error", err)
		return
	}

	for _, s := range schedules {
		if s.TriggerKind != domain.TriggerEvent || s.Trigger.EventName == "" {
			continue
		}
		ch := d.events.Subscribe(ctx, s.Trigger.EventName)
		go d.consumeEvents(ctx, s, ch)
	}
}

func (d *Dispatcher) consumeEvents(ctx context.Context, schedule *domain.Schedule, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			hint := fmt.Sprintf("sched:%s:%d", schedule.ID, evt.Timestamp.Unix())
			outcome := d.actions.Dispatch(ctx, schedule.ActionKind, schedule.ActionPayload, hint)
			metrics.SchedulesFiredTotal.WithLabelValues(string(schedule.ActionKind)).Inc()
			if outcome.Kind != domain.OutcomeSuccess {
				d.logger.Warn("event-triggered schedule failed", "schedule_id", schedule.ID, "event", evt.Name, "outcome", outcome.String())
			}
		}
	}
}
