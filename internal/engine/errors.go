package engine

import (
	"errors"
	"fmt"
	"strings"
)

var ErrPipelineNotFound = errors.New("pipeline not found")
var ErrExecutionNotFound = errors.New("execution not found")

// ErrExecutionConflict is returned when a fresh execution ID could not be
// generated without colliding; generation is retried internally first.
var ErrExecutionConflict = errors.New("execution id conflict")

// ValidationError carries the structured result of a failed pipeline
// validation.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		msgs = append(msgs, issue.Message)
	}
	return "pipeline validation failed: " + strings.Join(msgs, "; ")
}

// RunnerError wraps a step invocation failure with the step identity and
// the attempt that produced it.
type RunnerError struct {
	StepName string
	Attempt  int
	Err      error
}

func (e *RunnerError) Error() string {
	return fmt.Sprintf("step %q failed on attempt %d: %v", e.StepName, e.Attempt+1, e.Err)
}

func (e *RunnerError) Unwrap() error { return e.Err }
