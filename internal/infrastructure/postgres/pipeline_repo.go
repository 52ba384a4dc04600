package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/orchestration-core/pipeline-engine/internal/domain"
	"github.com/orchestration-core/pipeline-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PipelineRepository struct {
	pool *pgxpool.Pool
}

func NewPipelineRepository(pool *pgxpool.Pool) *PipelineRepository {
	return &PipelineRepository{pool: pool}
}

func (r *PipelineRepository) Create(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	query := `
		INSERT INTO pipelines (
			name, version, nodes, edges, input_schema, default_policy, status
		) VALUES ($1, 1, $2, $3, $4, $5, $6)
		RETURNING id, name, version, nodes, edges, input_schema, default_policy,
		          status, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		p.Name, p.Nodes, p.Edges, p.InputSchema, p.DefaultPolicy, p.Status,
	)
	created, err := scanPipeline(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicatePipeline
		}
		return nil, err
	}
	return created, nil
}

func (r *PipelineRepository) CreateVersion(ctx context.Context, p *domain.Pipeline) (*domain.Pipeline, error) {
	query := `
		INSERT INTO pipelines (
			id, name, version, nodes, edges, input_schema, default_policy, status
		)
		SELECT $1, name, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6
		FROM pipelines WHERE id = $1
		GROUP BY name
		RETURNING id, name, version, nodes, edges, input_schema, default_policy,
		          status, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query,
		p.ID, p.Nodes, p.Edges, p.InputSchema, p.DefaultPolicy, p.Status,
	)
	return scanPipeline(row)
}

func (r *PipelineRepository) GetByIDVersion(ctx context.Context, id string, version int) (*domain.Pipeline, error) {
	query := `
		SELECT id, name, version, nodes, edges, input_schema, default_policy,
		       status, created_at, updated_at
		FROM pipelines WHERE id = $1 AND version = $2`
	row := r.pool.QueryRow(ctx, query, id, version)
	return scanPipeline(row)
}

func (r *PipelineRepository) GetLatest(ctx context.Context, id string) (*domain.Pipeline, error) {
	query := `
		SELECT id, name, version, nodes, edges, input_schema, default_policy,
		       status, created_at, updated_at
		FROM pipelines WHERE id = $1
		ORDER BY version DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanPipeline(row)
}

func (r *PipelineRepository) GetByName(ctx context.Context, name string) (*domain.Pipeline, error) {
	query := `
		SELECT id, name, version, nodes, edges, input_schema, default_policy,
		       status, created_at, updated_at
		FROM pipelines WHERE name = $1
		ORDER BY version DESC LIMIT 1`
	row := r.pool.QueryRow(ctx, query, name)
	return scanPipeline(row)
}

func (r *PipelineRepository) SetStatus(ctx context.Context, id string, status domain.PipelineStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE pipelines SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND version = (SELECT MAX(version) FROM pipelines WHERE id = $1)`,
		id, status)
	if err != nil {
		return fmt.Errorf("set pipeline status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPipelineNotFound
	}
	return nil
}

func (r *PipelineRepository) List(ctx context.Context, input repository.ListPipelinesInput) ([]*domain.Pipeline, error) {
	args := []any{}
	where := []string{"version = (SELECT MAX(version) FROM pipelines p2 WHERE p2.id = pipelines.id)"}

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
		SELECT id, name, version, nodes, edges, input_schema, default_policy,
		       status, created_at, updated_at
		FROM pipelines
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, strings.Join(where, " AND "), len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func scanPipeline(row rowScanner) (*domain.Pipeline, error) {
	var p domain.Pipeline
	err := row.Scan(
		&p.ID, &p.Name, &p.Version, &p.Nodes, &p.Edges, &p.InputSchema,
		&p.DefaultPolicy, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPipelineNotFound
		}
		return nil, fmt.Errorf("scan pipeline: %w", err)
	}
	return &p, nil
}
