package engine

import (
	"fmt"
	"strings"

	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// Issue codes reported by Validate.
const (
	IssueEmptyPipeline     = "empty_pipeline"
	IssueDuplicateStep     = "duplicate_step"
	IssueUnknownDependency = "unknown_dependency"
	IssueSelfDependency    = "self_dependency"
	IssueDependencyCycle   = "dependency_cycle"
	IssueOrderInconsistent = "order_inconsistent"
	IssueBadCondition      = "bad_condition"
)

// Issue is one validation finding, attributed to the steps involved.
type Issue struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Steps   []string `json:"steps,omitempty"`
}

// ValidationResult is the full outcome of a pipeline validation. A result
// with errors blocks execution; warnings do not.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// OK reports whether the pipeline may execute.
func (r ValidationResult) OK() bool { return len(r.Errors) == 0 }

// Validate checks a pipeline's step graph: step names must be unique,
// depends_on entries must reference existing sibling steps, and the graph
// must be acyclic. Order inconsistencies and unparsable conditions are
// warnings because scheduling follows the dependency graph, and a bad
// condition fails only the step that carries it. Pure: no side effects.
func Validate(p *models.Pipeline, steps []*models.PipelineStep) ValidationResult {
	var r ValidationResult

	if len(steps) == 0 {
		r.Errors = append(r.Errors, Issue{
			Code:    IssueEmptyPipeline,
			Message: fmt.Sprintf("pipeline %q has no steps", p.Name),
		})
		return r
	}

	byName := make(map[string]*models.PipelineStep, len(steps))
	for _, st := range steps {
		if _, dup := byName[st.Name]; dup {
			r.Errors = append(r.Errors, Issue{
				Code:    IssueDuplicateStep,
				Message: fmt.Sprintf("duplicate step name %q", st.Name),
				Steps:   []string{st.Name},
			})
			continue
		}
		byName[st.Name] = st
	}

	for _, st := range steps {
		for _, dep := range st.DependsOn {
			if dep == st.Name {
				r.Errors = append(r.Errors, Issue{
					Code:    IssueSelfDependency,
					Message: fmt.Sprintf("step %q depends on itself", st.Name),
					Steps:   []string{st.Name},
				})
				continue
			}
			target, known := byName[dep]
			if !known {
				r.Errors = append(r.Errors, Issue{
					Code:    IssueUnknownDependency,
					Message: fmt.Sprintf("step %q depends on unknown step %q", st.Name, dep),
					Steps:   []string{st.Name, dep},
				})
				continue
			}
			if target.Order > st.Order {
				r.Warnings = append(r.Warnings, Issue{
					Code: IssueOrderInconsistent,
					Message: fmt.Sprintf("step %q (order %d) depends on %q (order %d); order is ignored for scheduling",
						st.Name, st.Order, dep, target.Order),
					Steps: []string{st.Name, dep},
				})
			}
		}

		if st.Condition != nil && *st.Condition != "" {
			if err := CheckCondition(*st.Condition); err != nil {
				r.Warnings = append(r.Warnings, Issue{
					Code:    IssueBadCondition,
					Message: fmt.Sprintf("step %q has an unparsable condition: %v", st.Name, err),
					Steps:   []string{st.Name},
				})
			}
		}
	}

	if cycle := buildGraph(steps).findCycle(); cycle != nil {
		r.Errors = append(r.Errors, Issue{
			Code:    IssueDependencyCycle,
			Message: "dependency cycle: " + strings.Join(cycle, " -> "),
			Steps:   cycle[:len(cycle)-1],
		})
	}

	return r
}
