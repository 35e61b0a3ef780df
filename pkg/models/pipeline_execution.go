package models

import (
	"time"

	"github.com/google/uuid"
)

// PipelineStatus is the lifecycle state shared by pipelines and their
// executions. Pipelines start in draft; executions start in queued.
type PipelineStatus string

const (
	PipelineStatusDraft     PipelineStatus = "draft"
	PipelineStatusQueued    PipelineStatus = "queued"
	PipelineStatusRunning   PipelineStatus = "running"
	PipelineStatusCompleted PipelineStatus = "completed"
	PipelineStatusFailed    PipelineStatus = "failed"
	PipelineStatusCancelled PipelineStatus = "cancelled"
	PipelineStatusPaused    PipelineStatus = "paused"
	PipelineStatusRetrying  PipelineStatus = "retrying"
)

var pipelineStatuses = map[PipelineStatus]bool{
	PipelineStatusDraft:     true,
	PipelineStatusQueued:    true,
	PipelineStatusRunning:   true,
	PipelineStatusCompleted: true,
	PipelineStatusFailed:    true,
	PipelineStatusCancelled: true,
	PipelineStatusPaused:    true,
	PipelineStatusRetrying:  true,
}

// ValidPipelineStatus reports whether s is a known status.
func ValidPipelineStatus(s PipelineStatus) bool { return pipelineStatuses[s] }

// IsTerminal reports whether s is a final state.
func (s PipelineStatus) IsTerminal() bool {
	return s == PipelineStatusCompleted || s == PipelineStatusFailed || s == PipelineStatusCancelled
}

// executionTransitions encodes legal execution status moves. Terminal
// states have no successors; a status query therefore always observes a
// monotonically advancing view.
var executionTransitions = map[PipelineStatus][]PipelineStatus{
	PipelineStatusQueued:   {PipelineStatusRunning, PipelineStatusCancelled},
	PipelineStatusRunning:  {PipelineStatusCompleted, PipelineStatusFailed, PipelineStatusCancelled, PipelineStatusPaused, PipelineStatusRetrying},
	PipelineStatusPaused:   {PipelineStatusRunning, PipelineStatusCancelled},
	PipelineStatusRetrying: {PipelineStatusRunning, PipelineStatusFailed, PipelineStatusCancelled},
}

// CanTransition reports whether an execution may move from one status to
// another.
func CanTransition(from, to PipelineStatus) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PipelineExecution is one run of a pipeline. ExecutionID is the externally
// visible identifier; the row ID stays internal. ClaimedBy/ClaimedAt
// implement the coordinator lease: at most one coordinator drives a given
// execution.
type PipelineExecution struct {
	ID          uuid.UUID      `db:"id"           json:"id"`
	TenantID    uuid.UUID      `db:"tenant_id"    json:"tenant_id"`
	PipelineID  uuid.UUID      `db:"pipeline_id"  json:"pipeline_id"`
	ExecutionID string         `db:"execution_id" json:"execution_id"`
	Status      PipelineStatus `db:"status"       json:"status"`
	Priority    int            `db:"priority"     json:"priority"`

	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	DurationSec *int       `db:"duration"     json:"duration,omitempty"`

	Result  map[string]any `db:"result"  json:"result,omitempty"`
	Metrics map[string]any `db:"metrics" json:"metrics,omitempty"`

	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	ErrorDetails map[string]any `db:"error_details" json:"error_details,omitempty"`

	ExecutionContext map[string]any `db:"execution_context" json:"execution_context,omitempty"`
	Artifacts        map[string]any `db:"artifacts"         json:"artifacts,omitempty"`
	LogPath          *string        `db:"log_path"          json:"log_path,omitempty"`

	MemoryUsedMB *int     `db:"memory_used" json:"memory_used,omitempty"`
	CPUUsed      *float64 `db:"cpu_used"    json:"cpu_used,omitempty"`
	RetryCount   int      `db:"retry_count" json:"retry_count"`

	ClaimedBy *string    `db:"claimed_by" json:"-"`
	ClaimedAt *time.Time `db:"claimed_at" json:"-"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
