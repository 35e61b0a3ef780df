package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

const executionColumns = `id, tenant_id, pipeline_id, execution_id, status, priority,
	started_at, completed_at, duration, result, metrics,
	error_message, error_details, execution_context, artifacts, log_path,
	memory_used, cpu_used, retry_count, claimed_by, claimed_at, created_at, updated_at`

func scanExecution(row pipelineRow) (*models.PipelineExecution, error) {
	var e models.PipelineExecution
	err := row.Scan(&e.ID, &e.TenantID, &e.PipelineID, &e.ExecutionID, &e.Status, &e.Priority,
		&e.StartedAt, &e.CompletedAt, &e.DurationSec, &e.Result, &e.Metrics,
		&e.ErrorMessage, &e.ErrorDetails, &e.ExecutionContext, &e.Artifacts, &e.LogPath,
		&e.MemoryUsedMB, &e.CPUUsed, &e.RetryCount, &e.ClaimedBy, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) CreateExecution(ctx context.Context, e *models.PipelineExecution) error {
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_executions (id, tenant_id, pipeline_id, execution_id, status, priority,
		   execution_context, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.PipelineID, e.ExecutionID, e.Status, e.Priority,
		e.ExecutionContext, e.RetryCount, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, tenantID uuid.UUID, executionID string) (*models.PipelineExecution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions
		 WHERE execution_id = $1 AND tenant_id = $2`, executionID, tenantID)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.PipelineExecution, int, error) {
	conditions := []string{"tenant_id = $1", "pipeline_id = $2"}
	args := []any{filter.TenantID, filter.PipelineID}
	argIdx := 3

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pipeline_executions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM pipeline_executions WHERE %s
		 ORDER BY created_at DESC OFFSET $%d LIMIT $%d`, executionColumns, where, argIdx, argIdx+1)
	args = append(args, filter.Skip, filter.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.PipelineExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, total, rows.Err()
}

// ClaimExecution takes the coordinator lease on a queued execution. The
// claimed_by guard guarantees at most one coordinator drives a given
// execution even with horizontally scaled replicas.
func (s *PostgresStore) ClaimExecution(ctx context.Context, executionRowID uuid.UUID, owner string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_executions SET claimed_by = $2, claimed_at = $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'queued' AND claimed_by IS NULL`, executionRowID, owner, now)
	if err != nil {
		return false, fmt.Errorf("claim execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) StartExecution(ctx context.Context, executionRowID uuid.UUID, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_executions SET status = 'running', started_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'queued'`, executionRowID, startedAt)
	if err != nil {
		return false, fmt.Errorf("start execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TransitionExecution performs a guarded status move; it reports false when
// the execution was no longer in the expected state.
func (s *PostgresStore) TransitionExecution(ctx context.Context, executionRowID uuid.UUID, from, to models.PipelineStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_executions SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = $2`, executionRowID, from, to)
	if err != nil {
		return false, fmt.Errorf("transition execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) FinishExecution(ctx context.Context, executionRowID uuid.UUID, fin FinishExecutionParams) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_executions
		 SET status = $2, completed_at = $3, duration = $4, result = $5, metrics = $6,
		     artifacts = $7, error_message = $8, error_details = $9, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		executionRowID, fin.Status, fin.CompletedAt, fin.DurationSec, fin.Result, fin.Metrics,
		fin.Artifacts, fin.ErrorMessage, fin.ErrorDetails)
	if err != nil {
		return false, fmt.Errorf("finish execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelExecution marks a non-terminal execution cancelled together with all
// of its open step executions, in one transaction. Cancelling an already
// terminal execution is a no-op and returns the execution unchanged.
func (s *PostgresStore) CancelExecution(ctx context.Context, tenantID uuid.UUID, executionID string, now time.Time) (*models.PipelineExecution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin cancel execution: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions
		 WHERE execution_id = $1 AND tenant_id = $2 FOR UPDATE`, executionID, tenantID)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cancel execution: %w", err)
	}

	if e.Status.IsTerminal() {
		return e, tx.Commit(ctx)
	}

	row = tx.QueryRow(ctx,
		`UPDATE pipeline_executions SET status = 'cancelled', completed_at = $2, updated_at = NOW()
		 WHERE id = $1 RETURNING `+executionColumns, e.ID, now)
	e, err = scanExecution(row)
	if err != nil {
		return nil, fmt.Errorf("cancel execution: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE step_executions SET status = 'cancelled', completed_at = $2, updated_at = NOW()
		 WHERE pipeline_execution_id = $1 AND status IN ('pending', 'running')`, e.ID, now)
	if err != nil {
		return nil, fmt.Errorf("cancel step executions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit cancel execution: %w", err)
	}
	return e, nil
}

// --- Step executions ---

const stepExecutionColumns = `id, tenant_id, pipeline_execution_id, step_id, step_name, status,
	started_at, completed_at, duration, result, error_message, error_details, log_output,
	memory_used, cpu_used, retry_count, created_at, updated_at`

func scanStepExecution(row pipelineRow) (*models.StepExecution, error) {
	var se models.StepExecution
	err := row.Scan(&se.ID, &se.TenantID, &se.PipelineExecutionID, &se.StepID, &se.StepName, &se.Status,
		&se.StartedAt, &se.CompletedAt, &se.DurationSec, &se.Result, &se.ErrorMessage, &se.ErrorDetails, &se.LogOutput,
		&se.MemoryUsedMB, &se.CPUUsed, &se.RetryCount, &se.CreatedAt, &se.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &se, nil
}

func (s *PostgresStore) CreateStepExecutions(ctx context.Context, execs []*models.StepExecution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create step executions: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	for _, se := range execs {
		se.CreatedAt, se.UpdatedAt = now, now
		_, err := tx.Exec(ctx,
			`INSERT INTO step_executions (id, tenant_id, pipeline_execution_id, step_id, step_name,
			   status, retry_count, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (pipeline_execution_id, step_id) DO NOTHING`,
			se.ID, se.TenantID, se.PipelineExecutionID, se.StepID, se.StepName,
			se.Status, se.RetryCount, se.CreatedAt, se.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create step execution: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create step executions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStepExecutions(ctx context.Context, executionRowID uuid.UUID) ([]*models.StepExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepExecutionColumns+` FROM step_executions
		 WHERE pipeline_execution_id = $1 ORDER BY created_at ASC, step_name ASC`, executionRowID)
	if err != nil {
		return nil, fmt.Errorf("list step executions: %w", err)
	}
	defer rows.Close()

	var execs []*models.StepExecution
	for rows.Next() {
		se, err := scanStepExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		execs = append(execs, se)
	}
	return execs, rows.Err()
}

func (s *PostgresStore) MarkStepExecutionRunning(ctx context.Context, executionRowID, stepID uuid.UUID, startedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_executions SET status = 'running', started_at = $3, updated_at = NOW()
		 WHERE pipeline_execution_id = $1 AND step_id = $2 AND status = 'pending'`,
		executionRowID, stepID, startedAt)
	if err != nil {
		return false, fmt.Errorf("mark step running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordStepExecutionRetry bumps the retry counter to the given attempt.
// The retry_count guard makes a replayed attempt number a no-op.
func (s *PostgresStore) RecordStepExecutionRetry(ctx context.Context, executionRowID, stepID uuid.UUID, attempt int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_executions SET retry_count = $3, updated_at = NOW()
		 WHERE pipeline_execution_id = $1 AND step_id = $2 AND status = 'running' AND retry_count < $3`,
		executionRowID, stepID, attempt)
	if err != nil {
		return false, fmt.Errorf("record step retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishStepExecution writes a terminal outcome. The status guard means a
// row moves to a terminal state exactly once; duplicate deliveries of the
// same (execution, step, attempt) outcome report false and change nothing.
func (s *PostgresStore) FinishStepExecution(ctx context.Context, outcome StepOutcomeParams) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_executions
		 SET status = $3, completed_at = $4, duration = $5, result = $6,
		     error_message = $7, error_details = $8, log_output = $9,
		     memory_used = $10, cpu_used = $11, retry_count = GREATEST(retry_count, $12), updated_at = NOW()
		 WHERE pipeline_execution_id = $1 AND step_id = $2
		   AND status NOT IN ('completed', 'failed', 'skipped', 'cancelled')`,
		outcome.ExecutionRowID, outcome.StepID, outcome.Status, outcome.CompletedAt, outcome.DurationSec,
		outcome.Result, outcome.ErrorMessage, outcome.ErrorDetails, outcome.LogOutput,
		outcome.MemoryUsedMB, outcome.CPUUsed, outcome.Attempt)
	if err != nil {
		return false, fmt.Errorf("finish step execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) CancelOpenStepExecutions(ctx context.Context, executionRowID uuid.UUID, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE step_executions SET status = 'cancelled', completed_at = $2, updated_at = NOW()
		 WHERE pipeline_execution_id = $1 AND status IN ('pending', 'running')`, executionRowID, now)
	if err != nil {
		return 0, fmt.Errorf("cancel open step executions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
