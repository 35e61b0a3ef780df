package models

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus is the lifecycle state of a step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// Satisfies reports whether a dependency in this state unblocks its
// dependents. Skipped steps count as satisfied.
func (s StepStatus) Satisfies() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// StepExecution is one run of one step within one pipeline execution.
// RetryCount records how many retries were spent before the terminal state.
type StepExecution struct {
	ID                  uuid.UUID  `db:"id"                    json:"id"`
	TenantID            uuid.UUID  `db:"tenant_id"             json:"tenant_id"`
	PipelineExecutionID uuid.UUID  `db:"pipeline_execution_id" json:"pipeline_execution_id"`
	StepID              uuid.UUID  `db:"step_id"               json:"step_id"`
	StepName            string     `db:"step_name"             json:"step_name"`
	Status              StepStatus `db:"status"                json:"status"`

	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationSec *int       `db:"duration"     json:"duration,omitempty"`

	Result       map[string]any `db:"result"        json:"result,omitempty"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	ErrorDetails map[string]any `db:"error_details" json:"error_details,omitempty"`
	LogOutput    *string        `db:"log_output"    json:"log_output,omitempty"`

	MemoryUsedMB *int     `db:"memory_used" json:"memory_used,omitempty"`
	CPUUsed      *float64 `db:"cpu_used"    json:"cpu_used,omitempty"`
	RetryCount   int      `db:"retry_count" json:"retry_count"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
