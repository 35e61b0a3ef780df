package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Pipelines ---

const pipelineColumns = `id, tenant_id, name, description, version, pipeline_type, status,
	definition, config, timeout, retry_count, max_parallelism,
	memory_limit, cpu_limit, gpu_required,
	is_scheduled, cron_expression, next_run_at, tags, metadata,
	created_at, updated_at, created_by, updated_by, is_deleted, deleted_at`

type pipelineRow interface {
	Scan(dest ...any) error
}

func scanPipeline(row pipelineRow) (*models.Pipeline, error) {
	var p models.Pipeline
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Version, &p.Type, &p.Status,
		&p.Definition, &p.Config, &p.TimeoutSec, &p.RetryCount, &p.MaxParallelism,
		&p.MemoryLimitMB, &p.CPULimit, &p.GPURequired,
		&p.IsScheduled, &p.CronExpression, &p.NextRunAt, &p.Tags, &p.Metadata,
		&p.CreatedAt, &p.UpdatedAt, &p.CreatedBy, &p.UpdatedBy, &p.IsDeleted, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePipeline(ctx context.Context, p *models.Pipeline, steps []*models.PipelineStep) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create pipeline: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO pipelines (`+pipelineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		p.ID, p.TenantID, p.Name, p.Description, p.Version, p.Type, p.Status,
		p.Definition, p.Config, p.TimeoutSec, p.RetryCount, p.MaxParallelism,
		p.MemoryLimitMB, p.CPULimit, p.GPURequired,
		p.IsScheduled, p.CronExpression, p.NextRunAt, p.Tags, p.Metadata,
		p.CreatedAt, p.UpdatedAt, p.CreatedBy, p.UpdatedBy, p.IsDeleted, p.DeletedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create pipeline: %w", err)
	}

	for _, step := range steps {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create pipeline: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*models.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE id = $1 AND tenant_id = $2 AND NOT is_deleted`, id, tenantID)
	p, err := scanPipeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error) {
	conditions := []string{"tenant_id = $1", "NOT is_deleted"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("pipeline_type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", argIdx, argIdx))
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pipelines WHERE `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count pipelines: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM pipelines WHERE %s
		 ORDER BY updated_at DESC OFFSET $%d LIMIT $%d`, pipelineColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Skip, filter.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, total, rows.Err()
}

func (s *PostgresStore) UpdatePipeline(ctx context.Context, tenantID, id uuid.UUID, params UpdatePipelineParams) (*models.Pipeline, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{id, tenantID}
	argIdx := 3

	set := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if params.Name != nil {
		set("name", *params.Name)
	}
	if params.Description != nil {
		set("description", *params.Description)
	}
	if params.Version != nil {
		set("version", *params.Version)
	}
	if params.Definition != nil {
		set("definition", params.Definition)
	}
	if params.Config != nil {
		set("config", params.Config)
	}
	if params.TimeoutSec != nil {
		set("timeout", *params.TimeoutSec)
	}
	if params.RetryCount != nil {
		set("retry_count", *params.RetryCount)
	}
	if params.MaxParallelism != nil {
		set("max_parallelism", *params.MaxParallelism)
	}
	if params.MemoryLimitMB != nil {
		set("memory_limit", *params.MemoryLimitMB)
	}
	if params.CPULimit != nil {
		set("cpu_limit", *params.CPULimit)
	}
	if params.GPURequired != nil {
		set("gpu_required", *params.GPURequired)
	}
	if params.IsScheduled != nil {
		set("is_scheduled", *params.IsScheduled)
	}
	if params.CronExpression != nil {
		set("cron_expression", *params.CronExpression)
	}
	if params.NextRunAt != nil {
		set("next_run_at", *params.NextRunAt)
	}
	if params.Tags != nil {
		set("tags", params.Tags)
	}
	if params.Metadata != nil {
		set("metadata", params.Metadata)
	}
	if params.UpdatedBy != nil {
		set("updated_by", *params.UpdatedBy)
	}

	query := fmt.Sprintf(`UPDATE pipelines SET %s
		 WHERE id = $1 AND tenant_id = $2 AND NOT is_deleted
		 RETURNING %s`, strings.Join(sets, ", "), pipelineColumns)

	p, err := scanPipeline(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("update pipeline: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePipelineStatus(ctx context.Context, tenantID, id uuid.UUID, status models.PipelineStatus, updatedBy *uuid.UUID) (*models.Pipeline, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE pipelines SET status = $3, updated_by = $4, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND NOT is_deleted
		 RETURNING `+pipelineColumns, id, tenantID, status, updatedBy)
	p, err := scanPipeline(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update pipeline status: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SoftDeletePipeline(ctx context.Context, tenantID, id uuid.UUID, deletedBy *uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET is_deleted = TRUE, deleted_at = NOW(), updated_by = $3, updated_at = NOW()
		 WHERE id = $1 AND tenant_id = $2 AND NOT is_deleted`, id, tenantID, deletedBy)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PipelineStats(ctx context.Context, tenantID uuid.UUID) (*PipelineStats, error) {
	stats := &PipelineStats{
		ByStatus: make(map[models.PipelineStatus]int),
		ByType:   make(map[models.PipelineType]int),
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, pipeline_type, COUNT(*) FROM pipelines
		 WHERE tenant_id = $1 AND NOT is_deleted
		 GROUP BY status, pipeline_type`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("pipeline stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.PipelineStatus
		var ptype models.PipelineType
		var count int
		if err := rows.Scan(&status, &ptype, &count); err != nil {
			return nil, fmt.Errorf("scan pipeline stats: %w", err)
		}
		stats.ByStatus[status] += count
		stats.ByType[ptype] += count
		stats.TotalPipelines += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'running')
		 FROM pipeline_executions WHERE tenant_id = $1`, tenantID).
		Scan(&stats.TotalExecutions, &stats.RunningNow)
	if err != nil {
		return nil, fmt.Errorf("execution stats: %w", err)
	}
	return stats, nil
}

// --- Scheduling ---

func (s *PostgresStore) DueScheduledPipelines(ctx context.Context, now time.Time, limit int) ([]*models.Pipeline, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines
		 WHERE is_scheduled AND NOT is_deleted AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// SetNextRunAt advances a schedule slot. The prev guard makes the update a
// compare-and-set so that only one of several replicas wins a due slot.
func (s *PostgresStore) SetNextRunAt(ctx context.Context, pipelineID uuid.UUID, prev, next time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipelines SET next_run_at = $3, updated_at = NOW()
		 WHERE id = $1 AND next_run_at = $2`, pipelineID, prev, next)
	if err != nil {
		return false, fmt.Errorf("set next run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
