package backlog

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen       Status = "open"
	StatusReady      Status = "ready" // derived: open with every dependency closed
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	return s == StatusClosed || s == StatusFailed
}

// CheckpointLabel marks a task that must not be selected until an operator
// removes the label.
const CheckpointLabel = "checkpoint:hold"

// Task is a unit of work with acceptance criteria and a status lifecycle.
// The backlog store owns the authoritative copy; the loop holds a working
// snapshot per iteration.
type Task struct {
	ID                 string
	Type               string
	Title              string
	Description        string
	AcceptanceCriteria []string // ordered
	Priority           int      // lower is more urgent
	Status             Status
	DependsOn          []string
	Labels             []string
	ModelHint          string // optional model/harness hint

	// Seq is the insertion order assigned by the store, used as the
	// deterministic tie-break after priority.
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasLabel reports whether the task carries the given label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.AcceptanceCriteria != nil {
		cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	}
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.Labels != nil {
		cp.Labels = append([]string(nil), t.Labels...)
	}
	return &cp
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ID                 string   `yaml:"id"`
	Type               string   `yaml:"type"`
	Title              string   `yaml:"title"`
	Description        string   `yaml:"description"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	Priority           int      `yaml:"priority"`
	DependsOn          []string `yaml:"depends_on"`
	Labels             []string `yaml:"labels"`
	ModelHint          string   `yaml:"model"`
}

// Filter narrows task queries.
type Filter struct {
	Types  []string
	Labels []string
}

// Matches reports whether the task satisfies the filter.
func (f Filter) Matches(t *Task) bool {
	if len(f.Types) > 0 {
		found := false
		for _, typ := range f.Types {
			if t.Type == typ {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, label := range f.Labels {
		if !t.HasLabel(label) {
			return false
		}
	}
	return true
}

// DataIntegrityError reports corrupt backlog state: cyclic or dangling
// dependencies, or rows that cannot be interpreted. It is fatal and never
// retried.
type DataIntegrityError struct {
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("backlog integrity violation: %s", e.Reason)
}
