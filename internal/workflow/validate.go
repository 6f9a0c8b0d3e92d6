package workflow

import (
	"fmt"
	"sort"

	"github.com/meow-stack/toolflow/internal/types"
)

// Cycles returns the ids of steps that sit on or behind a dependency
// cycle, sorted. It runs Kahn's algorithm over the known steps: whatever
// never reaches in-degree zero cannot be scheduled.
func Cycles(def *types.WorkflowDefinition) []string {
	inDegree := make(map[string]int, len(def.Steps))
	for _, step := range def.Steps {
		inDegree[step.ID] = 0
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := inDegree[dep]; ok {
				inDegree[step.ID]++
			}
		}
	}

	graph := def.DependencyGraph()
	queue := make([]string, 0, len(inDegree))
	for id, n := range inDegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for _, v := range graph[u] {
			inDegree[v]--
			if inDegree[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	var stuck []string
	for id, n := range inDegree {
		if n > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}

// Validate returns warnings for problems that will make an execution
// deadlock: dependencies on unknown steps and dependency cycles. An empty
// result means every step is reachable.
func Validate(def *types.WorkflowDefinition) []string {
	known := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		known[step.ID] = true
	}

	var warnings []string
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !known[dep] {
				warnings = append(warnings, fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep))
			}
		}
	}
	if stuck := Cycles(def); len(stuck) > 0 {
		warnings = append(warnings, fmt.Sprintf("dependency cycle blocks steps: %v", stuck))
	}
	return warnings
}
