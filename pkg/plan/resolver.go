package plan

import (
	"fmt"

	"conductor/pkg/proto"
)

// ReadySet returns every pending subtask whose dependencies are all done,
// in plan insertion order.
func ReadySet(p *ExecutionPlan) []*Subtask {
	var ready []*Subtask
	for _, st := range p.Subtasks {
		if st.Status != proto.SubtaskPending {
			continue
		}
		if dependenciesMet(p, st) {
			ready = append(ready, st)
		}
	}
	return ready
}

func dependenciesMet(p *ExecutionPlan, st *Subtask) bool {
	for _, depID := range st.DependsOn {
		dep := p.SubtaskByID(depID)
		if dep == nil {
			// Dangling dependency can never be satisfied
			return false
		}
		if dep.Status != proto.SubtaskDone {
			return false
		}
	}
	return true
}

// HasCycle reports whether the dependency graph contains a cycle. It runs
// DFS with a recursion stack; a back-edge to a node on the stack is a cycle.
func HasCycle(p *ExecutionPlan) bool {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, st := range p.Subtasks {
		if !visited[st.ID] {
			if cycleDFS(p, st.ID, visited, recStack) {
				return true
			}
		}
	}
	return false
}

func cycleDFS(p *ExecutionPlan, id string, visited, recStack map[string]bool) bool {
	visited[id] = true
	recStack[id] = true

	st := p.SubtaskByID(id)
	if st != nil {
		for _, depID := range st.DependsOn {
			if !visited[depID] {
				if cycleDFS(p, depID, visited, recStack) {
					return true
				}
			} else if recStack[depID] {
				return true
			}
		}
	}

	recStack[id] = false
	return false
}

// ExecutionLevels partitions the subtasks into levels: level k contains
// every subtask whose dependencies all sit in levels below k. Subtasks in
// the same level are independent and may run concurrently; within a level
// the plan's insertion order is preserved. Returns an error when the graph
// cannot be fully levelled (cycle or dangling dependency).
func ExecutionLevels(p *ExecutionPlan) ([][]*Subtask, error) {
	placed := make(map[string]bool, len(p.Subtasks))
	var levels [][]*Subtask

	for len(placed) < len(p.Subtasks) {
		var level []*Subtask
		for _, st := range p.Subtasks {
			if placed[st.ID] {
				continue
			}
			eligible := true
			for _, depID := range st.DependsOn {
				if !placed[depID] {
					eligible = false
					break
				}
			}
			if eligible {
				level = append(level, st)
			}
		}
		if len(level) == 0 {
			return nil, fmt.Errorf("plan %s has unresolvable dependencies among %d remaining subtasks", p.ID, len(p.Subtasks)-len(placed))
		}
		for _, st := range level {
			placed[st.ID] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Validate checks the plan's dependency graph and returns every problem
// found: self-dependencies, references to subtasks outside the plan, and
// cycles.
func Validate(p *ExecutionPlan) []error {
	var errs []error

	for i, st := range p.Subtasks {
		for _, depID := range st.DependsOn {
			if depID == st.ID {
				errs = append(errs, fmt.Errorf("subtask %d (%s) depends on itself", i, st.ID))
				continue
			}
			if p.SubtaskByID(depID) == nil {
				errs = append(errs, fmt.Errorf("subtask %d (%s) has dangling dependency %s", i, st.ID, depID))
			}
		}
	}

	if HasCycle(p) {
		errs = append(errs, fmt.Errorf("plan %s has a dependency cycle", p.ID))
	}

	return errs
}
