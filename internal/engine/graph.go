package engine

import (
	"sort"

	"github.com/pipeflow-io/pipeflow/pkg/models"
)

// depGraph is the dependency view of a pipeline's steps. Edges point from a
// step to the steps it depends on; scheduling follows this graph, never the
// advisory step order.
type depGraph struct {
	steps      map[string]*models.PipelineStep
	deps       map[string][]string
	dependents map[string][]string
	names      []string
}

// buildGraph indexes steps by name. It tolerates unknown dependency names
// (the validator rejects them before execution).
func buildGraph(steps []*models.PipelineStep) *depGraph {
	g := &depGraph{
		steps:      make(map[string]*models.PipelineStep, len(steps)),
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string),
	}
	for _, st := range steps {
		g.steps[st.Name] = st
		g.names = append(g.names, st.Name)
		g.deps[st.Name] = append([]string(nil), st.DependsOn...)
		for _, dep := range st.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], st.Name)
		}
	}
	sort.Strings(g.names)
	return g
}

// findCycle returns a dependency cycle as a path of step names ending where
// it started, or nil if the graph is acyclic. Unknown dependency names are
// ignored here.
func (g *depGraph) findCycle() []string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(g.steps))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range g.deps[name] {
			if _, known := g.steps[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				// Slice the stack from the first occurrence of dep and
				// close the loop.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range g.names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

// ready returns steps whose dependencies are all satisfied (completed or
// skipped) and which have not been dispatched yet, in stable name order.
func (g *depGraph) ready(status map[string]models.StepStatus) []*models.PipelineStep {
	var out []*models.PipelineStep
	for _, name := range g.names {
		if status[name] != models.StepStatusPending {
			continue
		}
		ok := true
		for _, dep := range g.deps[name] {
			if !status[dep].Satisfies() {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, g.steps[name])
		}
	}
	return out
}

// blocked returns pending steps that can never run because some dependency
// reached failed or cancelled.
func (g *depGraph) blocked(status map[string]models.StepStatus) []*models.PipelineStep {
	var out []*models.PipelineStep
	for _, name := range g.names {
		if status[name] != models.StepStatusPending {
			continue
		}
		for _, dep := range g.deps[name] {
			if status[dep] == models.StepStatusFailed || status[dep] == models.StepStatusCancelled {
				out = append(out, g.steps[name])
				break
			}
		}
	}
	return out
}
