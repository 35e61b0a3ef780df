package models

import (
	"github.com/google/uuid"
)

// PipelineStep is one unit of work in a pipeline's definition. Step names
// are unique within their pipeline; DependsOn references sibling step names
// and must form an acyclic graph.
type PipelineStep struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	TenantID    uuid.UUID `db:"tenant_id"   json:"tenant_id"`
	PipelineID  uuid.UUID `db:"pipeline_id" json:"pipeline_id"`
	Name        string    `db:"name"        json:"name"`
	Description *string   `db:"description" json:"description,omitempty"`
	StepType    string    `db:"step_type"   json:"step_type"`

	// Order is advisory: scheduling follows the dependency graph, not Order.
	Order int `db:"step_order" json:"order"`

	Config    map[string]any `db:"config"     json:"config"`
	DependsOn []string       `db:"depends_on" json:"depends_on,omitempty"`

	// Condition is a boolean expression over the execution context; when it
	// evaluates false the step is skipped and dependents treat it as satisfied.
	Condition *string `db:"condition" json:"condition,omitempty"`

	MemoryLimitMB *int     `db:"memory_limit" json:"memory_limit,omitempty"`
	CPULimit      *float64 `db:"cpu_limit"    json:"cpu_limit,omitempty"`
	TimeoutSec    *int     `db:"timeout"      json:"timeout,omitempty"`
	RetryCount    int      `db:"retry_count"  json:"retry_count"`

	Audit
}
