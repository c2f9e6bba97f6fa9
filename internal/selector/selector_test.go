package selector

import (
	"errors"
	"testing"

	"github.com/taskpilot/taskpilot/internal/backlog"
)

func task(id string, priority, seq int, status backlog.Status, deps ...string) *backlog.Task {
	return &backlog.Task{
		ID:        id,
		Title:     "task " + id,
		Priority:  priority,
		Seq:       int64(seq),
		Status:    status,
		DependsOn: deps,
	}
}

func TestValidateAcceptsDAG(t *testing.T) {
	tasks := []*backlog.Task{
		task("a", 1, 1, backlog.StatusOpen),
		task("b", 1, 2, backlog.StatusOpen, "a"),
		task("c", 1, 3, backlog.StatusOpen, "a", "b"),
	}
	order, err := Validate(tasks)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("order has %d tasks, want 3", len(order))
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("topological order violated: %v", order)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	tasks := []*backlog.Task{
		task("a", 1, 1, backlog.StatusOpen, "b"),
		task("b", 1, 2, backlog.StatusOpen, "a"),
	}
	_, err := Validate(tasks)
	var integrityErr *backlog.DataIntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("Validate = %v, want DataIntegrityError", err)
	}
}

func TestValidateRejectsDanglingDependency(t *testing.T) {
	tasks := []*backlog.Task{
		task("a", 1, 1, backlog.StatusOpen, "ghost"),
	}
	_, err := Validate(tasks)
	var integrityErr *backlog.DataIntegrityError
	if !errors.As(err, &integrityErr) {
		t.Fatalf("Validate = %v, want DataIntegrityError", err)
	}
}

func TestSelectPriorityThenSeq(t *testing.T) {
	tasks := []*backlog.Task{
		task("low", 5, 1, backlog.StatusOpen),
		task("high-late", 1, 3, backlog.StatusOpen),
		task("high-early", 1, 2, backlog.StatusOpen),
	}
	got := Select(tasks, backlog.Filter{})
	if got == nil || got.ID != "high-early" {
		t.Errorf("selected %v, want high-early", got)
	}
}

func TestSelectSkipsUnreadyAndTerminal(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*backlog.Task
		want  string // "" means no selection
	}{
		{
			name: "open dependency gates the dependent",
			tasks: []*backlog.Task{
				task("dep", 1, 1, backlog.StatusOpen),
				task("child", 0, 2, backlog.StatusOpen, "dep"),
			},
			want: "dep",
		},
		{
			name: "closed dependency releases the dependent",
			tasks: []*backlog.Task{
				task("dep", 1, 1, backlog.StatusClosed),
				task("child", 0, 2, backlog.StatusOpen, "dep"),
			},
			want: "child",
		},
		{
			name: "failed dependency keeps the dependent gated",
			tasks: []*backlog.Task{
				task("dep", 1, 1, backlog.StatusFailed),
				task("child", 0, 2, backlog.StatusOpen, "dep"),
			},
			want: "",
		},
		{
			name: "in-progress and blocked are never selected",
			tasks: []*backlog.Task{
				task("a", 1, 1, backlog.StatusInProgress),
				task("b", 1, 2, backlog.StatusBlocked),
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(tt.tasks, backlog.Filter{})
			switch {
			case tt.want == "" && got != nil:
				t.Errorf("selected %s, want none", got.ID)
			case tt.want != "" && (got == nil || got.ID != tt.want):
				t.Errorf("selected %v, want %s", got, tt.want)
			}
		})
	}
}

func TestSelectSkipsCheckpointHold(t *testing.T) {
	held := task("held", 0, 1, backlog.StatusOpen)
	held.Labels = []string{backlog.CheckpointLabel}
	tasks := []*backlog.Task{
		held,
		task("normal", 1, 2, backlog.StatusOpen),
	}
	got := Select(tasks, backlog.Filter{})
	if got == nil || got.ID != "normal" {
		t.Errorf("selected %v, want normal", got)
	}
}

func TestSelectAppliesFilter(t *testing.T) {
	a := task("a", 1, 1, backlog.StatusOpen)
	a.Type = "chore"
	b := task("b", 2, 2, backlog.StatusOpen)
	b.Type = "feature"

	got := Select([]*backlog.Task{a, b}, backlog.Filter{Types: []string{"feature"}})
	if got == nil || got.ID != "b" {
		t.Errorf("selected %v, want b", got)
	}
}

func TestSelectReturnsCopy(t *testing.T) {
	original := task("a", 1, 1, backlog.StatusOpen)
	got := Select([]*backlog.Task{original}, backlog.Filter{})
	if got == original {
		t.Error("Select returned the backing task, not a copy")
	}
	got.Status = backlog.StatusClosed
	if original.Status != backlog.StatusOpen {
		t.Error("mutating the selection mutated the backlog task")
	}
}
