package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicRun       = "run"
	TopicTask      = "task"
	TopicGuardrail = "guardrail"
)

// Event type constants
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunFinished      = "run.finished"
	EventTypeTaskSelected     = "task.selected"
	EventTypeTaskIteration    = "task.iteration"
	EventTypeTaskOutput       = "task.output"
	EventTypeTaskCommitted    = "task.committed"
	EventTypeTaskFailed       = "task.failed"
	EventTypeGuardrailWarning = "guardrail.warning"
	EventTypeBreakerState     = "breaker.state"
)

// RunStartedEvent is published when a run session begins.
type RunStartedEvent struct {
	SessionID string
	Branch    string
	Head      string
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) TaskID() string    { return "" }

// RunFinishedEvent is published when a run session terminates, for any reason.
type RunFinishedEvent struct {
	SessionID  string
	Reason     string
	Iterations int
	Completed  int
	Failed     int
	Commits    int
	Timestamp  time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) TaskID() string    { return "" }

// TaskSelectedEvent is published when the selector picks a task.
type TaskSelectedEvent struct {
	ID        string
	Title     string
	Priority  int
	Timestamp time.Time
}

func (e TaskSelectedEvent) EventType() string { return EventTypeTaskSelected }
func (e TaskSelectedEvent) TaskID() string    { return e.ID }

// TaskIterationEvent is published after each harness invocation.
type TaskIterationEvent struct {
	ID        string
	Attempt   int
	Class     string
	Signature string
	Duration  time.Duration
	Tokens    int
	Timestamp time.Time
}

func (e TaskIterationEvent) EventType() string { return EventTypeTaskIteration }
func (e TaskIterationEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published for each streamed harness output line.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCommittedEvent is published when accepted work lands as a commit.
type TaskCommittedEvent struct {
	ID        string
	Commit    string
	Attempt   int
	Timestamp time.Time
}

func (e TaskCommittedEvent) EventType() string { return EventTypeTaskCommitted }
func (e TaskCommittedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task exhausts its attempts.
type TaskFailedEvent struct {
	ID        string
	Reason    string
	Attempts  int
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// GuardrailWarningEvent is published once per counter when it crosses the
// warn fraction of its ceiling.
type GuardrailWarningEvent struct {
	Counter   string
	Current   int
	Ceiling   int
	Timestamp time.Time
}

func (e GuardrailWarningEvent) EventType() string { return EventTypeGuardrailWarning }
func (e GuardrailWarningEvent) TaskID() string    { return "" }

// BreakerStateEvent is published on every circuit breaker transition.
type BreakerStateEvent struct {
	ID        string
	State     string
	Reason    string
	Action    string
	Timestamp time.Time
}

func (e BreakerStateEvent) EventType() string { return EventTypeBreakerState }
func (e BreakerStateEvent) TaskID() string    { return e.ID }
