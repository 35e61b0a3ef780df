package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Pipelines.
	CreatePipeline(ctx context.Context, p *models.Pipeline, steps []*models.PipelineStep) error
	GetPipeline(ctx context.Context, tenantID, id uuid.UUID) (*models.Pipeline, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]*models.Pipeline, int, error)
	UpdatePipeline(ctx context.Context, tenantID, id uuid.UUID, params UpdatePipelineParams) (*models.Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, tenantID, id uuid.UUID, status models.PipelineStatus, updatedBy *uuid.UUID) (*models.Pipeline, error)
	SoftDeletePipeline(ctx context.Context, tenantID, id uuid.UUID, deletedBy *uuid.UUID) error
	PipelineStats(ctx context.Context, tenantID uuid.UUID) (*PipelineStats, error)

	// Scheduling.
	DueScheduledPipelines(ctx context.Context, now time.Time, limit int) ([]*models.Pipeline, error)
	SetNextRunAt(ctx context.Context, pipelineID uuid.UUID, prev, next time.Time) (bool, error)

	// Steps.
	CreateStep(ctx context.Context, step *models.PipelineStep) error
	ListSteps(ctx context.Context, pipelineID uuid.UUID) ([]*models.PipelineStep, error)
	GetStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID) (*models.PipelineStep, error)
	UpdateStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID, params UpdateStepParams) (*models.PipelineStep, error)
	DeleteStep(ctx context.Context, tenantID, pipelineID, stepID uuid.UUID) error

	// Executions.
	CreateExecution(ctx context.Context, e *models.PipelineExecution) error
	GetExecution(ctx context.Context, tenantID uuid.UUID, executionID string) (*models.PipelineExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.PipelineExecution, int, error)
	ClaimExecution(ctx context.Context, executionRowID uuid.UUID, owner string, now time.Time) (bool, error)
	StartExecution(ctx context.Context, executionRowID uuid.UUID, startedAt time.Time) (bool, error)
	TransitionExecution(ctx context.Context, executionRowID uuid.UUID, from, to models.PipelineStatus) (bool, error)
	FinishExecution(ctx context.Context, executionRowID uuid.UUID, fin FinishExecutionParams) (bool, error)
	CancelExecution(ctx context.Context, tenantID uuid.UUID, executionID string, now time.Time) (*models.PipelineExecution, error)

	// Step executions.
	CreateStepExecutions(ctx context.Context, execs []*models.StepExecution) error
	ListStepExecutions(ctx context.Context, executionRowID uuid.UUID) ([]*models.StepExecution, error)
	MarkStepExecutionRunning(ctx context.Context, executionRowID, stepID uuid.UUID, startedAt time.Time) (bool, error)
	RecordStepExecutionRetry(ctx context.Context, executionRowID, stepID uuid.UUID, attempt int) (bool, error)
	FinishStepExecution(ctx context.Context, outcome StepOutcomeParams) (bool, error)
	CancelOpenStepExecutions(ctx context.Context, executionRowID uuid.UUID, now time.Time) (int, error)
}

// PipelineFilter selects pipelines for a tenant list query.
type PipelineFilter struct {
	TenantID uuid.UUID
	Type     models.PipelineType
	Status   models.PipelineStatus
	Search   string
	Skip     int
	Limit    int
}

// ExecutionFilter selects executions of one pipeline.
type ExecutionFilter struct {
	TenantID   uuid.UUID
	PipelineID uuid.UUID
	Status     models.PipelineStatus
	Skip       int
	Limit      int
}

// UpdatePipelineParams is the explicit whitelist of mutable pipeline fields.
// Identity, tenant, and status fields are deliberately absent; nil means
// "leave unchanged".
type UpdatePipelineParams struct {
	Name           *string
	Description    *string
	Version        *string
	Definition     map[string]any
	Config         map[string]any
	TimeoutSec     *int
	RetryCount     *int
	MaxParallelism *int
	MemoryLimitMB  *int
	CPULimit       *float64
	GPURequired    *bool
	IsScheduled    *bool
	CronExpression *string
	NextRunAt      *time.Time
	Tags           []string
	Metadata       map[string]any
	UpdatedBy      *uuid.UUID
}

// UpdateStepParams is the explicit whitelist of mutable step fields.
type UpdateStepParams struct {
	Name          *string
	Description   *string
	StepType      *string
	Order         *int
	Config        map[string]any
	DependsOn     []string
	Condition     *string
	MemoryLimitMB *int
	CPULimit      *float64
	TimeoutSec    *int
	RetryCount    *int
	UpdatedBy     *uuid.UUID
}

// FinishExecutionParams carries the terminal rollup for an execution.
type FinishExecutionParams struct {
	Status       models.PipelineStatus
	CompletedAt  time.Time
	DurationSec  int
	Result       map[string]any
	Metrics      map[string]any
	Artifacts    map[string]any
	ErrorMessage *string
	ErrorDetails map[string]any
}

// StepOutcomeParams carries the terminal outcome of one step execution.
// Attempt is zero-based. The write is a no-op once the row is terminal,
// which makes duplicate deliveries of the same outcome idempotent.
type StepOutcomeParams struct {
	ExecutionRowID uuid.UUID
	StepID         uuid.UUID
	Status         models.StepStatus
	CompletedAt    time.Time
	DurationSec    *int
	Result         map[string]any
	ErrorMessage   *string
	ErrorDetails   map[string]any
	LogOutput      *string
	MemoryUsedMB   *int
	CPUUsed        *float64
	Attempt        int
}

// PipelineStats summarizes a tenant's pipelines and executions.
type PipelineStats struct {
	TotalPipelines  int                           `json:"total_pipelines"`
	ByStatus        map[models.PipelineStatus]int `json:"by_status"`
	ByType          map[models.PipelineType]int   `json:"by_type"`
	TotalExecutions int                           `json:"total_executions"`
	RunningNow      int                           `json:"running_executions"`
}
