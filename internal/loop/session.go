// Package loop drives the execution cycle: select a task, invoke a harness,
// evaluate the evidence, commit or retry, until the backlog is empty or a
// guardrail stops the run.
package loop

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stop reasons recorded in the terminal run summary.
const (
	ReasonBacklogEmpty  = "backlog_empty"
	ReasonRunBudget     = "run_budget_exhausted"
	ReasonCancelled     = "cancelled"
	ReasonBreakerAbort  = "breaker_abort"
	ReasonTaskFailed    = "task_failed"
	ReasonDataIntegrity = "data_integrity"
	ReasonGitState      = "git_state"
	ReasonHookFailure   = "hook_failure"
)

// IterationRecord is one row of the session's iteration history.
type IterationRecord struct {
	TaskID    string        `json:"task_id"`
	Attempt   int           `json:"attempt"`
	Timestamp time.Time     `json:"timestamp"`
	Class     string        `json:"class"`
	Signature string        `json:"signature,omitempty"`
	Commit    string        `json:"commit,omitempty"`
	Tokens    int           `json:"tokens"`
	Duration  time.Duration `json:"duration_ns"`
}

// Summary is the terminal report of a run session.
type Summary struct {
	SessionID    string            `json:"session_id"`
	Reason       string            `json:"reason"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Iterations   int               `json:"iterations"`
	Completed    []string          `json:"completed"`
	Failed       []string          `json:"failed"`
	Skipped      int               `json:"skipped"`
	Commits      int               `json:"commits"`
	Tokens       int               `json:"tokens"`
	BreakerState string            `json:"breaker_state"`
	History      []IterationRecord `json:"history"`
}

// RunSession is the explicit mutable state of one run: iteration history,
// per-task outcomes, and token totals. Every component that needs run state
// receives the session; there are no package-level counters.
type RunSession struct {
	ID        string
	StartedAt time.Time
	StartHead string

	mu        sync.Mutex
	history   []IterationRecord
	completed []string
	failed    []string
	tokens    int
}

// NewRunSession creates a session with a fresh UUID.
func NewRunSession(startHead string) *RunSession {
	return &RunSession{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		StartHead: startHead,
	}
}

// Record appends one iteration to the history.
func (s *RunSession) Record(rec IterationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.history = append(s.history, rec)
	s.tokens += rec.Tokens
}

// TaskCompleted marks a task as closed by this run.
func (s *RunSession) TaskCompleted(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, taskID)
}

// TaskFailed marks a task as failed by this run.
func (s *RunSession) TaskFailed(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, taskID)
}

// Iterations returns the number of recorded iterations.
func (s *RunSession) Iterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// CompletedCount returns the number of tasks closed by this run.
func (s *RunSession) CompletedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completed)
}

// Summarize builds the terminal summary. skipped is the number of open
// tasks the run never reached.
func (s *RunSession) Summarize(reason, breakerState string, commits, skipped int) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]IterationRecord, len(s.history))
	copy(history, s.history)

	return Summary{
		SessionID:    s.ID,
		Reason:       reason,
		StartedAt:    s.StartedAt,
		FinishedAt:   time.Now(),
		Iterations:   len(history),
		Completed:    append([]string(nil), s.completed...),
		Failed:       append([]string(nil), s.failed...),
		Skipped:      skipped,
		Commits:      commits,
		Tokens:       s.tokens,
		BreakerState: breakerState,
		History:      history,
	}
}
