package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ScheduleRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewScheduleRepository(pool *pgxpool.Pool, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{pool: pool, logger: logger.With("component", "schedule_repo")}
}

func (r *ScheduleRepository) Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	query := `
		INSERT INTO schedules (
			name, action_kind, action_payload, trigger_kind, trigger,
			next_fire_at, enabled, failure_handling, missed_fire_policy, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, name, action_kind, action_payload, trigger_kind, trigger,
		          next_fire_at, last_fire_at, enabled, failure_handling,
		          missed_fire_policy, tags, version, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		s.Name, s.ActionKind, s.ActionPayload, s.TriggerKind, s.Trigger,
		s.NextFireAt, s.Enabled, s.FailureHandling, s.MissedFirePolicy, s.Tags,
	)
	created, err := scanSchedule(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrScheduleNameConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*domain.Schedule, error) {
	query := `
		SELECT id, name, action_kind, action_payload, trigger_kind, trigger,
		       next_fire_at, last_fire_at, enabled, failure_handling,
		       missed_fire_policy, tags, version, created_at, updated_at
		FROM schedules WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

func (r *ScheduleRepository) GetByName(ctx context.Context, name string) (*domain.Schedule, error) {
	query := `
		SELECT id, name, action_kind, action_payload, trigger_kind, trigger,
		       next_fire_at, last_fire_at, enabled, failure_handling,
		       missed_fire_policy, tags, version, created_at, updated_at
		FROM schedules WHERE name = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, name))
}

func (r *ScheduleRepository) List(ctx context.Context, input repository.ListSchedulesInput) ([]*domain.Schedule, error) {
	args := []any{}
	where := []string{"1=1"}

	if input.Enabled != nil {
		args = append(args, *input.Enabled)
		where = append(where, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if !input.After.CreatedAt.IsZero() {
		args = append(args, input.After.CreatedAt, input.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT id, name, action_kind, action_payload, trigger_kind, trigger,
		       next_fire_at, last_fire_at, enabled, failure_handling,
		       missed_fire_policy, tags, version, created_at, updated_at
		FROM schedules
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

func (r *ScheduleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $2, version = version + 1, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// ClaimDue atomically claims due schedules, asks computeAdvance which fire
// instants each one should enqueue and where it should advance to, and
// inserts the corresponding ScheduleRun rows — all in a single transaction,
// the same claim-and-advance shape the scheduler used for job firing,
// generalized to dispatch into arbitrary action handlers and to enqueue
// zero, one, or many instants per schedule depending on its missed-fire
// policy.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, asOf time.Time, limit int, computeAdvance func(*domain.Schedule) repository.ScheduleAdvance) ([]*domain.ScheduleRun, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT id, name, action_kind, action_payload, trigger_kind, trigger,
		       next_fire_at, last_fire_at, enabled, failure_handling,
		       missed_fire_policy, tags, version, created_at, updated_at
		FROM schedules
		WHERE next_fire_at <= $1 AND enabled AND trigger_kind <> 'event'
		ORDER BY next_fire_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("claim schedules: %w", err)
	}

	var due []*domain.Schedule
	for rows.Next() {
		s, scanErr := scanSchedule(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		due = append(due, s)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}

	var fired []*domain.ScheduleRun
	for _, s := range due {
		advance := computeAdvance(s)

		var lastFired *time.Time
		for _, fireAt := range advance.FireAt {
			fireAt := fireAt
			hint := fmt.Sprintf("sched:%s:%d", s.ID, fireAt.Unix())

			var sr domain.ScheduleRun
			scanErr := tx.QueryRow(ctx, `
				INSERT INTO schedule_runs (schedule_id, fire_at, claim_at, status, idempotency_hint)
				VALUES ($1, $2, NOW(), 'claimed', $3)
				ON CONFLICT (schedule_id, fire_at) DO NOTHING
				RETURNING id, schedule_id, fire_at, claim_at, dispatched_at, completed_at, status, result_summary, idempotency_hint`,
				s.ID, fireAt, hint,
			).Scan(&sr.ID, &sr.ScheduleID, &sr.FireAt, &sr.ClaimAt, &sr.DispatchedAt, &sr.CompletedAt, &sr.Status, &sr.ResultSummary, &sr.IdempotencyHint)

			if scanErr != nil && !errors.Is(scanErr, pgx.ErrNoRows) {
				return nil, fmt.Errorf("insert schedule_run for schedule %s: %w", s.ID, scanErr)
			}
			if scanErr == nil {
				fired = append(fired, &sr)
				lastFired = &fireAt
			} else {
				r.logger.Warn("schedule_run already exists for fire instant, skipping",
					"schedule_id", s.ID, "fire_at", fireAt)
			}
		}

		if _, updateErr := tx.Exec(ctx,
			`UPDATE schedules SET next_fire_at = $2, last_fire_at = COALESCE($3, last_fire_at), version = version + 1, updated_at = NOW() WHERE id = $1`,
			s.ID, advance.Next, lastFired,
		); updateErr != nil {
			return nil, fmt.Errorf("advance schedule %s: %w", s.ID, updateErr)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return fired, nil
}

func (r *ScheduleRepository) CompleteScheduleRun(ctx context.Context, id string, status domain.ScheduleRunStatus, summary string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE schedule_runs
		SET    status         = $2,
		       result_summary = NULLIF($3, ''),
		       dispatched_at  = COALESCE(dispatched_at, NOW()),
		       completed_at   = NOW()
		WHERE id = $1`, id, status, summary)
	if err != nil {
		return fmt.Errorf("complete schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule run %s: %w", id, pgx.ErrNoRows)
	}
	return nil
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(
		&s.ID, &s.Name, &s.ActionKind, &s.ActionPayload, &s.TriggerKind, &s.Trigger,
		&s.NextFireAt, &s.LastFireAt, &s.Enabled, &s.FailureHandling,
		&s.MissedFirePolicy, &s.Tags, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &s, nil
}
