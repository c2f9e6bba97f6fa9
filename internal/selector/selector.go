// Package selector computes the next ready task from backlog state.
//
// Validation and selection are deliberately separate: a dependency graph
// containing a cycle or an edge to a non-existent task is corrupt data and is
// rejected up front, never silently stalled on.
package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/taskpilot/taskpilot/internal/backlog"
)

// Validate runs a topological sort over the task dependency graph.
// Returns ordered task IDs, or a *backlog.DataIntegrityError when the graph
// contains a cycle or an edge to a non-existent task.
func Validate(tasks []*backlog.Task) ([]string, error) {
	byID := make(map[string]*backlog.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// Every dependency must exist before we bother sorting.
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, exists := byID[dep]; !exists {
				return nil, &backlog.DataIntegrityError{
					Reason: fmt.Sprintf("task %q depends on non-existent task %q", t.ID, dep),
				}
			}
		}
	}

	var edges []toposort.Edge
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			// No dependencies: edge from nil keeps the task in the sort.
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &backlog.DataIntegrityError{
			Reason: fmt.Sprintf("dependency graph contains a cycle: %v", err),
		}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(tasks) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for _, t := range tasks {
			if !found[t.ID] {
				missing = append(missing, t.ID)
			}
		}
		return nil, &backlog.DataIntegrityError{
			Reason: fmt.Sprintf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", ")),
		}
	}

	return order, nil
}

// Select returns the next ready task: status open, every dependency closed,
// not held at a checkpoint, matching the filter. Ties are broken by priority
// ascending, then insertion order. Returns nil when nothing is ready.
//
// Select is a pure function of the task list: unchanged input yields the
// same selection on repeated calls.
func Select(tasks []*backlog.Task, filter backlog.Filter) *backlog.Task {
	byID := make(map[string]*backlog.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var ready []*backlog.Task
	for _, t := range tasks {
		if t.Status != backlog.StatusOpen {
			continue
		}
		if t.HasLabel(backlog.CheckpointLabel) {
			continue
		}
		if !filter.Matches(t) {
			continue
		}
		if !depsClosed(t, byID) {
			continue
		}
		ready = append(ready, t)
	}

	if len(ready) == 0 {
		return nil
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].Seq < ready[j].Seq
	})

	return ready[0].Clone()
}

// depsClosed reports whether every dependency of the task is closed.
// A missing dependency counts as not closed; Validate reports the corruption.
func depsClosed(t *backlog.Task, byID map[string]*backlog.Task) bool {
	for _, dep := range t.DependsOn {
		d, exists := byID[dep]
		if !exists || d.Status != backlog.StatusClosed {
			return false
		}
	}
	return true
}
