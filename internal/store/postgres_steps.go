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
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

const stepColumns = `id, tenant_id, pipeline_id, name, description, step_type, step_order,
	config, depends_on, condition, memory_limit, cpu_limit, timeout, retry_count,
	created_at, updated_at, created_by, updated_by`

func scanStep(row pipelineRow) (*models.PipelineStep, error) {
	var st models.PipelineStep
	err := row.Scan(&st.ID, &st.TenantID, &st.PipelineID, &st.Name, &st.Description, &st.StepType, &st.Order,
		&st.Config, &st.DependsOn, &st.Condition, &st.MemoryLimitMB, &st.CPULimit, &st.TimeoutSec, &st.RetryCount,
		&st.CreatedAt, &st.UpdatedAt, &st.CreatedBy, &st.UpdatedBy)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertStep(ctx context.Context, q execer, step *models.PipelineStep) error {
	now := time.Now().UTC()
	step.CreatedAt, step.UpdatedAt = now, now

	_, err := q.Exec(ctx,
		`INSERT INTO pipeline_steps (`+stepColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		step.ID, step.TenantID, step.PipelineID, step.Name, step.Description, step.StepType, step.Order,
		step.Config, step.DependsOn, step.Condition, step.MemoryLimitMB, step.CPULimit, step.TimeoutSec, step.RetryCount,
		step.CreatedAt, step.UpdatedAt, step.CreatedBy, step.UpdatedBy)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateStep(ctx context.Context, step *models.PipelineStep) error {
	return insertStep(ctx, s.pool, step)
}

func (s *PostgresStore) ListSteps(ctx context.Context, pipelineID uuid.UUID) ([]*models.PipelineStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM pipeline_steps
		 WHERE pipeline_id = $1 ORDER BY step_order ASC, name ASC`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.PipelineStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func (s *PostgresStore) GetStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID) (*models.PipelineStep, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM pipeline_steps
		 WHERE id = $1 AND pipeline_id = $2 AND tenant_id = $3`, stepID, pipelineID, tenantID)
	st, err := scanStep(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID, params UpdateStepParams) (*models.PipelineStep, error) {
	sets := []string{"updated_at = NOW()"}
	args := []any{stepID, pipelineID, tenantID}
	argIdx := 4

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
	if params.StepType != nil {
		set("step_type", *params.StepType)
	}
	if params.Order != nil {
		set("step_order", *params.Order)
	}
	if params.Config != nil {
		set("config", params.Config)
	}
	if params.DependsOn != nil {
		set("depends_on", params.DependsOn)
	}
	if params.Condition != nil {
		set("condition", *params.Condition)
	}
	if params.MemoryLimitMB != nil {
		set("memory_limit", *params.MemoryLimitMB)
	}
	if params.CPULimit != nil {
		set("cpu_limit", *params.CPULimit)
	}
	if params.TimeoutSec != nil {
		set("timeout", *params.TimeoutSec)
	}
	if params.RetryCount != nil {
		set("retry_count", *params.RetryCount)
	}
	if params.UpdatedBy != nil {
		set("updated_by", *params.UpdatedBy)
	}

	query := fmt.Sprintf(`UPDATE pipeline_steps SET %s
		 WHERE id = $1 AND pipeline_id = $2 AND tenant_id = $3
		 RETURNING %s`, strings.Join(sets, ", "), stepColumns)

	st, err := scanStep(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("update step: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) DeleteStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_steps
		 WHERE id = $1 AND pipeline_id = $2 AND tenant_id = $3`, stepID, pipelineID, tenantID)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
