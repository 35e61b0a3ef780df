package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pipeflow-io/pipeflow/internal/config"
	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// InvokeRequest carries everything a runner needs for one step attempt.
type InvokeRequest struct {
	Pipeline    *models.Pipeline
	Step        *models.PipelineStep
	ExecutionID string
	Attempt     int
	Context     map[string]any
}

// InvokeResult is the successful outcome of a step invocation.
type InvokeResult struct {
	Output       map[string]any
	Metrics      map[string]float64
	LogOutput    string
	Artifacts    map[string][]byte
	MemoryUsedMB int
	CPUUsed      float64
}

// StepRunner is the boundary to the systems that actually run work: a
// script, a container, an external workflow engine. Invocations may be
// slow; implementations must honor context cancellation and deadline.
// The coordinator assumes no ordering guarantees beyond what depends_on
// encodes.
type StepRunner interface {
	Name() string
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}

// NewRunner builds the configured StepRunner implementation.
func NewRunner(cfg config.EngineConfig) (StepRunner, error) {
	switch cfg.Runner {
	case "local":
		return &LocalRunner{}, nil
	default:
		return nil, fmt.Errorf("unknown runner %q", cfg.Runner)
	}
}

// LocalRunner executes steps in-process, driven entirely by step config.
// It exists for development and testing; real workloads belong behind a
// container or workflow-engine runner.
//
// Recognized config keys:
//
//	sleep_ms       simulated work duration
//	fail           always fail the step
//	fail_attempts  fail the first N attempts, succeed afterwards
//	output         map returned as the step result
//	metrics        map of float metrics
type LocalRunner struct{}

func (r *LocalRunner) Name() string { return "local" }

func (r *LocalRunner) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	cfg := req.Step.Config

	if ms, ok := asFloat(cfg["sleep_ms"]); ok && ms > 0 {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail, _ := cfg["fail"].(bool); fail {
		return nil, fmt.Errorf("step %q configured to fail", req.Step.Name)
	}
	if n, ok := asFloat(cfg["fail_attempts"]); ok && req.Attempt < int(n) {
		return nil, fmt.Errorf("step %q configured to fail attempt %d", req.Step.Name, req.Attempt+1)
	}

	res := &InvokeResult{
		LogOutput: fmt.Sprintf("step %s completed by local runner", req.Step.Name),
	}
	if out, ok := cfg["output"].(map[string]any); ok {
		res.Output = out
	}
	if m, ok := cfg["metrics"].(map[string]any); ok {
		res.Metrics = make(map[string]float64, len(m))
		for k, v := range m {
			if f, ok := asFloat(v); ok {
				res.Metrics[k] = f
			}
		}
	}
	return res, nil
}
