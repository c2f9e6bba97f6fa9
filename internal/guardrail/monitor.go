// Package guardrail bounds what an unattended run is allowed to do: it
// enforces per-task and per-run iteration ceilings, classifies harness
// outcomes, detects stagnation, and redacts secrets from everything that
// leaves the process.
package guardrail

import (
	"errors"
	"fmt"
	"sync"

	"github.com/taskpilot/taskpilot/internal/config"
)

// ErrRunBudgetExceeded signals the run-level iteration ceiling was reached.
// The run stops cleanly, preserving completed work.
var ErrRunBudgetExceeded = errors.New("run iteration budget exhausted")

// Classification is the guardrail verdict on one iteration outcome.
type Classification string

const (
	// ClassSuccess: verifiable progress, safe to commit.
	ClassSuccess Classification = "success"
	// ClassSoftFailure: retryable (nonzero exit, timeout, failing checks).
	ClassSoftFailure Classification = "soft_failure"
	// ClassHardFailure: not retryable (protected-path violation, rejected output).
	ClassHardFailure Classification = "hard_failure"
	// ClassStagnation: no verifiable progress; routed through the breaker.
	ClassStagnation Classification = "stagnation"
)

// Stagnation reasons, in reporting priority order.
const (
	ReasonClaimWithoutEvidence = "completion_without_evidence"
	ReasonRepeatedSignature    = "repeated_error_signature"
	ReasonEmptyDiff            = "no_file_changes"
)

// Evidence is what the loop observed about one iteration.
type Evidence struct {
	TaskID            string
	ExitCode          int
	TimedOut          bool
	Output            string   // final harness output, scanned for completion claims
	ErrorText         string   // stderr/check output, source of the error signature
	DiffEmpty         bool     // zero file changes since the task's previous iteration
	ChecksPassed      bool     // acceptance checks passed (true when none are configured)
	CompletionClaimed bool     // the harness claimed the task is done
	ProtectedPathHits []string // protected files the diff touched
}

// Verdict is the classification of one iteration plus stagnation detail.
type Verdict struct {
	Class            Classification
	StagnationReason string // set when Class is ClassStagnation
	Signature        string // normalized error signature, "" on success
	Retryable        bool
}

// Warning is a one-shot threshold crossing, fired exactly once per counter.
type Warning struct {
	Counter string // "run" or "task:<id>"
	Current int
	Ceiling int
}

func (w Warning) String() string {
	return fmt.Sprintf("guardrail warning: %s at %d of %d iterations", w.Counter, w.Current, w.Ceiling)
}

// taskHistory is the recent stagnation evidence for one task.
type taskHistory struct {
	lastSignature string
	attempts      int
}

// Monitor tracks iteration counters, warning flags, and stagnation evidence
// for one run session. Each controller owns its own Monitor; nothing here is
// a process-wide global.
type Monitor struct {
	cfg       config.GuardrailConfig
	redactor  *Redactor
	pathGuard *PathGuard
	breaker   *Breaker

	mu       sync.Mutex
	runIters int
	history  map[string]*taskHistory
	warned   map[string]bool
}

// NewMonitor creates a guardrail monitor for one run session.
// onTrip may be nil.
func NewMonitor(cfg config.GuardrailConfig, onTrip TripFunc) (*Monitor, error) {
	redactor, err := NewRedactor(cfg.SecretPatterns)
	if err != nil {
		return nil, err
	}
	pathGuard, err := NewPathGuard(cfg.ProtectedPaths)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		cfg:       cfg,
		redactor:  redactor,
		pathGuard: pathGuard,
		breaker:   NewBreaker(cfg, onTrip),
		history:   make(map[string]*taskHistory),
		warned:    make(map[string]bool),
	}, nil
}

// Breaker returns the session's circuit breaker.
func (m *Monitor) Breaker() *Breaker { return m.breaker }

// Redact applies secret redaction; every string persisted or logged by the
// loop passes through here.
func (m *Monitor) Redact(text string) string { return m.redactor.Redact(text) }

// PathViolations returns changed files matching a protected pattern.
func (m *Monitor) PathViolations(changed []string) []string {
	return m.pathGuard.Violations(changed)
}

// CheckRunBudget returns ErrRunBudgetExceeded when the global iteration
// counter has reached the run ceiling. Called on every SELECTING entry,
// before asking for a task, so the run stops even with ready tasks left.
func (m *Monitor) CheckRunBudget() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxRunIterations > 0 && m.runIters >= m.cfg.MaxRunIterations {
		return ErrRunBudgetExceeded
	}
	return nil
}

// TaskAttempts returns the number of iterations recorded for the task.
func (m *Monitor) TaskAttempts(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.history[taskID]; h != nil {
		return h.attempts
	}
	return 0
}

// TaskBudgetExhausted reports whether the task has reached its per-task
// iteration ceiling.
func (m *Monitor) TaskBudgetExhausted(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history[taskID]
	return m.cfg.MaxTaskIterations > 0 && h != nil && h.attempts >= m.cfg.MaxTaskIterations
}

// RunIterations returns the global iteration counter.
func (m *Monitor) RunIterations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runIters
}

// RecordIteration increments the per-task and run counters and returns any
// one-shot warnings crossed by this iteration. Each warning fires exactly
// once per counter.
func (m *Monitor) RecordIteration(taskID string) []Warning {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[taskID]
	if h == nil {
		h = &taskHistory{}
		m.history[taskID] = h
	}
	h.attempts++
	m.runIters++

	var warnings []Warning
	if w, ok := m.crossed("task:"+taskID, h.attempts, m.cfg.MaxTaskIterations); ok {
		warnings = append(warnings, w)
	}
	if w, ok := m.crossed("run", m.runIters, m.cfg.MaxRunIterations); ok {
		warnings = append(warnings, w)
	}
	return warnings
}

// crossed reports a warning the first time a counter reaches the warn
// fraction of its ceiling. Caller holds m.mu.
func (m *Monitor) crossed(counter string, current, ceiling int) (Warning, bool) {
	if ceiling <= 0 || m.cfg.WarnFraction <= 0 || m.warned[counter] {
		return Warning{}, false
	}
	threshold := int(float64(ceiling) * m.cfg.WarnFraction)
	if threshold < 1 {
		threshold = 1
	}
	if current < threshold {
		return Warning{}, false
	}
	m.warned[counter] = true
	return Warning{Counter: counter, Current: current, Ceiling: ceiling}, true
}

// Observe classifies one iteration outcome and updates the task's stagnation
// evidence. The caller feeds the verdict into the breaker's done callback:
// progress closes it, stagnation counts toward opening it.
func (m *Monitor) Observe(ev Evidence) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.history[ev.TaskID]
	if h == nil {
		h = &taskHistory{}
		m.history[ev.TaskID] = h
	}

	signature := NormalizeSignature(ev.ErrorText)
	repeated := signature != "" && signature == h.lastSignature
	h.lastSignature = signature

	// Hard failures first: a protected-path hit is never retried.
	if len(ev.ProtectedPathHits) > 0 {
		return Verdict{Class: ClassHardFailure, Signature: signature}
	}

	// Stagnation signals. Evidence trumps claims in both directions: a
	// completion claim with an empty diff or failing checks is stagnation
	// regardless of what the output says.
	stagnant, reason := stagnationSignal(ev, repeated)
	if stagnant {
		return Verdict{Class: ClassStagnation, StagnationReason: reason, Signature: signature, Retryable: true}
	}

	if ev.TimedOut || ev.ExitCode != 0 || !ev.ChecksPassed {
		return Verdict{Class: ClassSoftFailure, Signature: signature, Retryable: true}
	}

	return Verdict{Class: ClassSuccess}
}

// stagnationSignal evaluates the three stagnation signals in reporting
// priority order: completion claim without evidence, repeated normalized
// signature, zero file changes.
func stagnationSignal(ev Evidence, repeatedSignature bool) (bool, string) {
	hasEvidence := !ev.DiffEmpty && ev.ChecksPassed
	if ev.CompletionClaimed && !hasEvidence {
		return true, ReasonClaimWithoutEvidence
	}
	if repeatedSignature && ev.DiffEmpty {
		return true, ReasonRepeatedSignature
	}
	if ev.DiffEmpty {
		return true, ReasonEmptyDiff
	}
	return false, ""
}
