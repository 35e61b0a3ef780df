package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pipeflow-io/pipeflow/internal/artifacts"
	"github.com/pipeflow-io/pipeflow/internal/cache"
	"github.com/pipeflow-io/pipeflow/internal/store"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// executionStatusTTL bounds the Redis status mirror. The database row is
// the source of truth; a cache miss just falls through to Postgres.
const executionStatusTTL = 24 * time.Hour

// StepOutcome is the terminal result of one step, as observed by the
// coordinator. Attempt is zero-based and names the attempt that produced
// the outcome.
type StepOutcome struct {
	Status       models.StepStatus
	StartedAt    *time.Time
	CompletedAt  time.Time
	Attempt      int
	Result       map[string]any
	Metrics      map[string]float64
	ErrorMessage *string
	ErrorDetails map[string]any
	LogOutput    *string
	MemoryUsedMB *int
	CPUUsed      *float64
	Artifacts    map[string][]byte
}

// ExecutionStatus is a read-only snapshot of an execution and its steps.
type ExecutionStatus struct {
	Execution *models.PipelineExecution `json:"execution"`
	Steps     []*models.StepExecution   `json:"steps"`
}

// Aggregator persists step outcomes and execution rollups. All writes are
// idempotent at the database layer: recording the same terminal outcome
// twice is a no-op.
type Aggregator struct {
	store     store.Store
	cache     cache.Cache
	artifacts artifacts.Store
	logger    *slog.Logger
}

func NewAggregator(st store.Store, c cache.Cache, art artifacts.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: st, cache: c, artifacts: art, logger: logger}
}

// StartStep marks a step execution running. Returns false when the row
// already left the pending state.
func (a *Aggregator) StartStep(ctx context.Context, executionRowID, stepID uuid.UUID) (bool, error) {
	return a.store.MarkStepExecutionRunning(ctx, executionRowID, stepID, time.Now().UTC())
}

// RecordRetry bumps the step's retry counter after a failed attempt.
// Attempt is the one-based number of the retry being started.
func (a *Aggregator) RecordRetry(ctx context.Context, executionRowID, stepID uuid.UUID, attempt int) error {
	ok, err := a.store.RecordStepExecutionRetry(ctx, executionRowID, stepID, attempt)
	if err != nil {
		return err
	}
	if !ok {
		a.logger.Warn("retry not recorded, step already terminal",
			"execution_row_id", executionRowID, "step_id", stepID, "attempt", attempt)
	}
	return nil
}

// RecordStepResult uploads the step's artifacts and persists its terminal
// outcome. It returns the artifact references keyed by artifact name, and
// whether this call was the one that made the row terminal.
func (a *Aggregator) RecordStepResult(ctx context.Context, exec *models.PipelineExecution, step *models.PipelineStep, out StepOutcome) (map[string]string, bool, error) {
	refs := make(map[string]string, len(out.Artifacts))
	for name, data := range out.Artifacts {
		key := artifacts.ObjectKey(exec.TenantID.String(), exec.ExecutionID, step.Name, name)
		ref, err := a.artifacts.Put(ctx, key, data)
		if err != nil {
			return nil, false, fmt.Errorf("uploading artifact %q for step %q: %w", name, step.Name, err)
		}
		if ref != "" {
			refs[name] = ref
		}
	}

	var durationSec *int
	if out.StartedAt != nil {
		d := int(out.CompletedAt.Sub(*out.StartedAt).Seconds())
		durationSec = &d
	}

	applied, err := a.store.FinishStepExecution(ctx, store.StepOutcomeParams{
		ExecutionRowID: exec.ID,
		StepID:         step.ID,
		Status:         out.Status,
		CompletedAt:    out.CompletedAt,
		DurationSec:    durationSec,
		Result:         out.Result,
		ErrorMessage:   out.ErrorMessage,
		ErrorDetails:   out.ErrorDetails,
		LogOutput:      out.LogOutput,
		MemoryUsedMB:   out.MemoryUsedMB,
		CPUUsed:        out.CPUUsed,
		Attempt:        out.Attempt,
	})
	if err != nil {
		return nil, false, fmt.Errorf("recording outcome for step %q: %w", step.Name, err)
	}
	if !applied {
		a.logger.Debug("duplicate step outcome ignored",
			"execution_id", exec.ExecutionID, "step", step.Name, "status", out.Status)
	}
	return refs, applied, nil
}

// ExecutionRollup is the aggregate the coordinator hands over when an
// execution reaches a terminal state.
type ExecutionRollup struct {
	Result       map[string]any
	Metrics      map[string]any
	Artifacts    map[string]any
	ErrorMessage *string
	ErrorDetails map[string]any
}

// FinalizeExecution writes the terminal status and rollup for an
// execution and refreshes the status mirror. Returns false when the
// execution was already terminal, for instance after a concurrent cancel.
func (a *Aggregator) FinalizeExecution(ctx context.Context, exec *models.PipelineExecution, status models.PipelineStatus, roll ExecutionRollup) (bool, error) {
	now := time.Now().UTC()
	duration := 0
	if exec.StartedAt != nil {
		duration = int(now.Sub(*exec.StartedAt).Seconds())
	}

	applied, err := a.store.FinishExecution(ctx, exec.ID, store.FinishExecutionParams{
		Status:       status,
		CompletedAt:  now,
		DurationSec:  duration,
		Result:       roll.Result,
		Metrics:      roll.Metrics,
		Artifacts:    roll.Artifacts,
		ErrorMessage: roll.ErrorMessage,
		ErrorDetails: roll.ErrorDetails,
	})
	if err != nil {
		return false, fmt.Errorf("finalizing execution %s: %w", exec.ExecutionID, err)
	}
	if applied {
		a.MirrorStatus(ctx, exec.ExecutionID, status)
	}
	return applied, nil
}

// MirrorStatus updates the Redis copy of the execution status. Failures
// are logged and swallowed; the mirror is an optimization, not a record.
func (a *Aggregator) MirrorStatus(ctx context.Context, executionID string, status models.PipelineStatus) {
	if err := a.cache.SetExecutionStatus(ctx, executionID, string(status), executionStatusTTL); err != nil {
		a.logger.Warn("failed to mirror execution status", "execution_id", executionID, "error", err)
	}
}

// CurrentStatus loads the execution and its step executions in one
// consistent snapshot for status queries.
func (a *Aggregator) CurrentStatus(ctx context.Context, tenantID uuid.UUID, executionID string) (*ExecutionStatus, error) {
	exec, err := a.store.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := a.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	return &ExecutionStatus{Execution: exec, Steps: steps}, nil
}
