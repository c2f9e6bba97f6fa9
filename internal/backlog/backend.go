package backlog

import (
	"context"
	"fmt"
)

// Backend is the task persistence interface consumed by the loop. It is the
// single source of truth for task state and serializes all status writes, so
// parallel controllers can coordinate through it alone.
type Backend interface {
	// ListReady returns open tasks whose dependencies are all closed,
	// matching the filter, ordered by priority then insertion order.
	ListReady(ctx context.Context, filter Filter) ([]*Task, error)

	// List returns every task in the backlog.
	List(ctx context.Context) ([]*Task, error)

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// UpdateStatus transitions a task to the given status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// AddNote appends an operator-visible note to a task.
	AddNote(ctx context.Context, id, text string) error

	// Create adds a new task and returns its ID.
	Create(ctx context.Context, spec TaskSpec) (string, error)

	// Claim atomically re-checks that the task is still ready and marks it
	// in_progress. Returns false when another controller won the race.
	Claim(ctx context.Context, id string) (bool, error)

	// Close releases the store.
	Close() error
}

// validateSpec rejects specs a store cannot represent.
func validateSpec(spec TaskSpec) error {
	if spec.Title == "" {
		return fmt.Errorf("task spec missing title")
	}
	for _, dep := range spec.DependsOn {
		if dep == spec.ID && spec.ID != "" {
			return &DataIntegrityError{Reason: fmt.Sprintf("task %q depends on itself", spec.ID)}
		}
	}
	return nil
}
