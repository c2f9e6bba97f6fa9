// Package artifacts persists a per-iteration audit trail: the exact prompt
// sent to the harness, the output received, the resulting diff, and a
// machine-readable outcome record. Everything written here has already
// failed once or will be read during an incident, so the files are plain
// text and JSON.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RedactFunc scrubs secrets from text before it reaches disk.
type RedactFunc func(string) string

// Outcome is the machine-readable record of one iteration.
type Outcome struct {
	TaskID           string        `json:"task_id"`
	Attempt          int           `json:"attempt"`
	Class            string        `json:"class"`
	StagnationReason string        `json:"stagnation_reason,omitempty"`
	Signature        string        `json:"signature,omitempty"`
	ExitCode         int           `json:"exit_code"`
	TimedOut         bool          `json:"timed_out"`
	InputTokens      int           `json:"input_tokens"`
	OutputTokens     int           `json:"output_tokens"`
	TokensEstimated  bool          `json:"tokens_estimated"`
	Duration         time.Duration `json:"duration_ns"`
	Commit           string        `json:"commit,omitempty"`
}

// Iteration bundles everything worth keeping from one harness invocation.
type Iteration struct {
	Prompt  string
	Output  string
	Diff    string
	Outcome Outcome
}

// Writer stores artifacts for one run session under
// <root>/<session>/<task>/attempt-<n>/.
type Writer struct {
	dir    string
	redact RedactFunc
}

// NewWriter creates the session directory. redact may be nil.
func NewWriter(root, sessionID string, redact RedactFunc) (*Writer, error) {
	dir := filepath.Join(root, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	if redact == nil {
		redact = func(s string) string { return s }
	}
	return &Writer{dir: dir, redact: redact}, nil
}

// Dir returns the session's artifact directory.
func (w *Writer) Dir() string { return w.dir }

// WriteIteration persists one iteration's files. Secrets are redacted from
// every text artifact before writing.
func (w *Writer) WriteIteration(it Iteration) error {
	dir := filepath.Join(w.dir, it.Outcome.TaskID, fmt.Sprintf("attempt-%d", it.Outcome.Attempt))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create iteration dir: %w", err)
	}

	files := map[string]string{
		"prompt.md":  it.Prompt,
		"output.txt": it.Output,
		"diff.patch": it.Diff,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(w.redact(content)), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	outcome := it.Outcome
	outcome.Signature = w.redact(outcome.Signature)
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "outcome.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write outcome.json: %w", err)
	}
	return nil
}

// WriteSummary persists the terminal run summary as summary.json in the
// session directory. The iteration history carries error signatures derived
// from raw harness output, so the marshaled document is redacted as a whole.
func (w *Writer) WriteSummary(summary any) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	data = []byte(w.redact(string(data)))
	if err := os.WriteFile(filepath.Join(w.dir, "summary.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write summary.json: %w", err)
	}
	return nil
}
