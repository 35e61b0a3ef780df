package models

import (
	"time"

	"github.com/google/uuid"
)

// PipelineType classifies what kind of workload a pipeline runs.
type PipelineType string

const (
	PipelineTypeTraining           PipelineType = "training"
	PipelineTypeInference          PipelineType = "inference"
	PipelineTypeBatchPrediction    PipelineType = "batch_prediction"
	PipelineTypeDataPreprocessing  PipelineType = "data_preprocessing"
	PipelineTypeFeatureEngineering PipelineType = "feature_engineering"
	PipelineTypeModelEvaluation    PipelineType = "model_evaluation"
	PipelineTypeHyperparamTuning   PipelineType = "hyperparameter_tuning"
	PipelineTypeDataValidation     PipelineType = "data_validation"
	PipelineTypeCustom             PipelineType = "custom"
)

var pipelineTypes = map[PipelineType]bool{
	PipelineTypeTraining:           true,
	PipelineTypeInference:          true,
	PipelineTypeBatchPrediction:    true,
	PipelineTypeDataPreprocessing:  true,
	PipelineTypeFeatureEngineering: true,
	PipelineTypeModelEvaluation:    true,
	PipelineTypeHyperparamTuning:   true,
	PipelineTypeDataValidation:     true,
	PipelineTypeCustom:             true,
}

// ValidPipelineType reports whether t is a known pipeline type.
func ValidPipelineType(t PipelineType) bool { return pipelineTypes[t] }

// Pipeline is a tenant-scoped pipeline definition. Its steps live in
// pipeline_steps; each run of it is recorded as a PipelineExecution.
//
// (tenant_id, name, version) is unique among non-deleted pipelines.
type Pipeline struct {
	ID          uuid.UUID      `db:"id"            json:"id"`
	TenantID    uuid.UUID      `db:"tenant_id"     json:"tenant_id"`
	Name        string         `db:"name"          json:"name"`
	Description *string        `db:"description"   json:"description,omitempty"`
	Version     string         `db:"version"       json:"version"`
	Type        PipelineType   `db:"pipeline_type" json:"pipeline_type"`
	Status      PipelineStatus `db:"status"        json:"status"`

	Definition map[string]any `db:"definition" json:"definition"`
	Config     map[string]any `db:"config"     json:"config,omitempty"`

	// Execution settings. Timeout is in seconds; zero means no limit.
	TimeoutSec     *int `db:"timeout"         json:"timeout,omitempty"`
	RetryCount     int  `db:"retry_count"     json:"retry_count"`
	MaxParallelism int  `db:"max_parallelism" json:"max_parallelism"`

	// Resource limits.
	MemoryLimitMB *int     `db:"memory_limit" json:"memory_limit,omitempty"`
	CPULimit      *float64 `db:"cpu_limit"    json:"cpu_limit,omitempty"`
	GPURequired   bool     `db:"gpu_required" json:"gpu_required"`

	// Scheduling.
	IsScheduled    bool       `db:"is_scheduled"    json:"is_scheduled"`
	CronExpression *string    `db:"cron_expression" json:"cron_expression,omitempty"`
	NextRunAt      *time.Time `db:"next_run_at"     json:"next_run_at,omitempty"`

	Tags     []string       `db:"tags"     json:"tags,omitempty"`
	Metadata map[string]any `db:"metadata" json:"metadata,omitempty"`

	Audit
	SoftDelete
}

// ContinueOnFailure reports whether the pipeline is configured to keep
// running independent branches after a step fails terminally.
func (p *Pipeline) ContinueOnFailure() bool {
	if p.Config == nil {
		return false
	}
	v, ok := p.Config["continue_on_failure"].(bool)
	return ok && v
}
