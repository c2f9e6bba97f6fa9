package artifacts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteIteration(t *testing.T) {
	root := t.TempDir()
	redact := func(s string) string {
		return strings.ReplaceAll(s, "sk-secret", "[REDACTED]")
	}

	w, err := NewWriter(root, "session-1", redact)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	it := Iteration{
		Prompt: "implement the thing\nAPI key: sk-secret\n",
		Output: "done, used sk-secret\n",
		Diff:   "+added line\n",
		Outcome: Outcome{
			TaskID:       "task-1",
			Attempt:      2,
			Class:        "soft_failure",
			Signature:    "FAIL: expected #, got #",
			ExitCode:     1,
			InputTokens:  120,
			OutputTokens: 80,
			Duration:     3 * time.Second,
		},
	}
	if err := w.WriteIteration(it); err != nil {
		t.Fatalf("WriteIteration: %v", err)
	}

	dir := filepath.Join(root, "session-1", "task-1", "attempt-2")
	for _, name := range []string{"prompt.md", "output.txt", "diff.patch", "outcome.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("missing artifact %s: %v", name, err)
		}
		if strings.Contains(string(data), "sk-secret") {
			t.Errorf("%s contains an unredacted secret", name)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "outcome.json"))
	if err != nil {
		t.Fatalf("read outcome.json: %v", err)
	}
	var got Outcome
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	if got.TaskID != "task-1" || got.Attempt != 2 || got.Class != "soft_failure" {
		t.Errorf("outcome = %+v", got)
	}
}

func TestWriteSummary(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "session-2", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	summary := map[string]any{"completed": 3, "failed": 1, "reason": "backlog_empty"}
	if err := w.WriteSummary(summary); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), "summary.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(data), "backlog_empty") {
		t.Errorf("summary content = %s", data)
	}
}

func TestWriteSummaryRedacts(t *testing.T) {
	redact := func(s string) string {
		return strings.ReplaceAll(s, "sk-supersecret", "[REDACTED]")
	}
	w, err := NewWriter(t.TempDir(), "session-3", redact)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	// Error signatures in the history derive from raw harness stderr and
	// can carry leaked credentials.
	summary := map[string]any{
		"reason": "task_failed",
		"history": []map[string]string{
			{"signature": "ERROR: auth failed for API_KEY=sk-supersecret"},
		},
	}
	if err := w.WriteSummary(summary); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), "summary.json"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if strings.Contains(string(data), "sk-supersecret") {
		t.Error("summary.json contains the unredacted secret")
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Error("summary.json missing the redaction placeholder")
	}
}
