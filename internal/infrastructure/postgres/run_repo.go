package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func (r *RunRepository) Create(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	query := `
		INSERT INTO runs (
			pipeline_id, pipeline_version, input, status, idempotency_key
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		RETURNING id, pipeline_id, pipeline_version, input, status, idempotency_key,
		          started_at, finished_at, error_summary, output, cancel_requested,
		          version, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		run.PipelineID, run.PipelineVersion, run.Input, run.Status, run.IdempotencyKey,
	)
	created, err := scanRun(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrConflict
		}
		return nil, err
	}
	return created, nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (*domain.Run, error) {
	query := `
		SELECT id, pipeline_id, pipeline_version, input, status, idempotency_key,
		       started_at, finished_at, error_summary, output, cancel_requested,
		       version, created_at, updated_at
		FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

func (r *RunRepository) GetByIdempotencyKey(ctx context.Context, pipelineID, key string) (*domain.Run, error) {
	query := `
		SELECT id, pipeline_id, pipeline_version, input, status, idempotency_key,
		       started_at, finished_at, error_summary, output, cancel_requested,
		       version, created_at, updated_at
		FROM runs WHERE pipeline_id = $1 AND idempotency_key = $2`
	return scanRun(r.pool.QueryRow(ctx, query, pipelineID, key))
}

func (r *RunRepository) List(ctx context.Context, input repository.ListRunsInput) ([]*domain.Run, error) {
	args := []any{}
	where := []string{"1=1"}

	if input.PipelineID != "" {
		args = append(args, input.PipelineID)
		where = append(where, fmt.Sprintf("pipeline_id = $%d", len(args)))
	}
	if input.Status != "" {
		args = append(args, input.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !input.After.CreatedAt.IsZero() {
		args = append(args, input.After.CreatedAt, input.After.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, input.Limit)

	query := fmt.Sprintf(`
		SELECT id, pipeline_id, pipeline_version, input, status, idempotency_key,
		       started_at, finished_at, error_summary, output, cancel_requested,
		       version, created_at, updated_at
		FROM runs
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ClaimPending mirrors the job scheduler's FOR UPDATE SKIP LOCKED claim,
// generalized from a single worker pool to the engine's pending-run queue.
func (r *RunRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.Run, error) {
	query := `
		UPDATE runs
		SET    status     = 'running',
		       started_at = COALESCE(started_at, NOW()),
		       version    = version + 1,
		       updated_at = NOW()
		WHERE id IN (
			SELECT id FROM runs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, pipeline_id, pipeline_version, input, status, idempotency_key,
		          started_at, finished_at, error_summary, output, cancel_requested,
		          version, created_at, updated_at`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// CompareAndSetStatus is the optimistic-concurrency transition every run
// status change funnels through: the WHERE clause's version check makes
// two racing engine instances agree on exactly one winner.
func (r *RunRepository) CompareAndSetStatus(ctx context.Context, id string, expectedVersion int, newStatus domain.RunStatus, errorSummary string, output []byte) error {
	var finishedAt any
	if newStatus.IsTerminal() {
		finishedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET    status        = $3,
		       error_summary = NULLIF($4, ''),
		       output        = COALESCE($5, output),
		       finished_at   = COALESCE(finished_at, $6),
		       version       = version + 1,
		       updated_at    = NOW()
		WHERE id = $1 AND version = $2`,
		id, expectedVersion, newStatus, errorSummary, output, finishedAt)
	if err != nil {
		return fmt.Errorf("compare-and-set run status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

func (r *RunRepository) RequestCancel(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE runs SET cancel_requested = true, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		run, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return domain.ErrAlreadyTerminal
		}
	}
	return nil
}

func (r *RunRepository) ListOrphaned(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Run, error) {
	query := `
		SELECT id, pipeline_id, pipeline_version, input, status, idempotency_key,
		       started_at, finished_at, error_summary, output, cancel_requested,
		       version, created_at, updated_at
		FROM runs
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (r *RunRepository) UpsertNodeResult(ctx context.Context, nr *domain.NodeResult) (*domain.NodeResult, error) {
	query := `
		INSERT INTO node_results (run_id, node_id, status, attempts, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (run_id, node_id) WHERE status NOT IN ('succeeded', 'failed', 'skipped')
		DO UPDATE SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, version = node_results.version + 1, updated_at = NOW()
		RETURNING id, run_id, node_id, status, attempts, started_at, finished_at,
		          output, error_text, bool_tag, orphaned, version, updated_at`

	row := r.pool.QueryRow(ctx, query, nr.RunID, nr.NodeID, nr.Status, nr.Attempts)
	return scanNodeResult(row)
}

func (r *RunRepository) GetNodeResult(ctx context.Context, runID, nodeID string) (*domain.NodeResult, error) {
	query := `
		SELECT id, run_id, node_id, status, attempts, started_at, finished_at,
		       output, error_text, bool_tag, orphaned, version, updated_at
		FROM node_results WHERE run_id = $1 AND node_id = $2
		ORDER BY updated_at DESC LIMIT 1`
	return scanNodeResult(r.pool.QueryRow(ctx, query, runID, nodeID))
}

func (r *RunRepository) ListNodeResults(ctx context.Context, runID string) ([]*domain.NodeResult, error) {
	query := `
		SELECT id, run_id, node_id, status, attempts, started_at, finished_at,
		       output, error_text, bool_tag, orphaned, version, updated_at
		FROM node_results WHERE run_id = $1
		ORDER BY started_at ASC NULLS LAST`

	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list node results: %w", err)
	}
	defer rows.Close()

	var results []*domain.NodeResult
	for rows.Next() {
		nr, err := scanNodeResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, nr)
	}
	return results, nil
}

func (r *RunRepository) CompareAndSetNodeResult(ctx context.Context, id string, expectedVersion int, status domain.NodeResultStatus, output []byte, errText string, boolTag *bool) error {
	var finishedAt any
	if status.IsTerminal() {
		finishedAt = time.Now().UTC()
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE node_results
		SET    status      = $3,
		       output       = COALESCE($4, output),
		       error_text   = NULLIF($5, ''),
		       bool_tag     = COALESCE($7, bool_tag),
		       finished_at  = COALESCE(finished_at, $6),
		       version      = version + 1,
		       updated_at   = NOW()
		WHERE id = $1 AND version = $2`,
		id, expectedVersion, status, output, errText, finishedAt, boolTag)
	if err != nil {
		return fmt.Errorf("compare-and-set node result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *RunRepository) MarkNodeResultsOrphaned(ctx context.Context, runID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE node_results SET orphaned = true, version = version + 1, updated_at = NOW()
		 WHERE run_id = $1 AND status = 'running'`, runID)
	if err != nil {
		return fmt.Errorf("mark node results orphaned: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var idempotencyKey *string
	err := row.Scan(
		&run.ID, &run.PipelineID, &run.PipelineVersion, &run.Input, &run.Status, &idempotencyKey,
		&run.StartedAt, &run.FinishedAt, &run.ErrorSummary, &run.Output, &run.CancelRequested,
		&run.Version, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}
	return &run, nil
}

func scanNodeResult(row rowScanner) (*domain.NodeResult, error) {
	var nr domain.NodeResult
	err := row.Scan(
		&nr.ID, &nr.RunID, &nr.NodeID, &nr.Status, &nr.Attempts, &nr.StartedAt, &nr.FinishedAt,
		&nr.Output, &nr.ErrorText, &nr.BoolTag, &nr.Orphaned, &nr.Version, &nr.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("node result: %w", pgx.ErrNoRows)
		}
		return nil, fmt.Errorf("scan node result: %w", err)
	}
	return &nr, nil
}
