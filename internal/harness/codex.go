package harness

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

// CodexAdapter drives the Codex CLI, which emits a newline-delimited JSON
// event stream. It declares streaming (events arrive incrementally) but not
// system-prompt separation or token reporting: the Invoker concatenates the
// bundle and estimates usage.
type CodexAdapter struct {
	name      string
	command   string
	extraArgs []string
	threadID  string
	workDir   string
	model     string
	started   bool
	procMgr   *ProcessManager
}

// codexEvent is the base event type for all Codex events.
type codexEvent struct {
	Type string `json:"type"`
}

// codexThreadStarted represents the ThreadStarted event.
type codexThreadStarted struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// codexTurnCompleted represents the TurnCompleted event.
type codexTurnCompleted struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewCodexAdapter creates a new Codex harness adapter.
func NewCodexAdapter(name string, cfg config.HarnessConfig, procMgr *ProcessManager) (*CodexAdapter, error) {
	command := cfg.Command
	if command == "" {
		command = "codex"
	}
	return &CodexAdapter{
		name:      name,
		command:   command,
		extraArgs: cfg.Args,
		model:     cfg.Model,
		procMgr:   procMgr,
	}, nil
}

// Name returns the configured backend name.
func (c *CodexAdapter) Name() string { return c.name }

// SetWorkDir points the adapter at a different working copy (worktree).
func (c *CodexAdapter) SetWorkDir(dir string) { c.workDir = dir }

// Capabilities returns the fixed capability set of the Codex CLI.
func (c *CodexAdapter) Capabilities() CapabilitySet {
	return CapabilitySet{
		CapStreaming:        true,
		CapStructuredOutput: true,
		CapModelSelection:   true,
	}
}

// Invoke runs one prompt through the Codex CLI and aggregates its event
// stream. When opts.Stream is set, each raw event line is forwarded as it
// arrives.
func (c *CodexAdapter) Invoke(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error) {
	args := c.buildArgs(bundle, opts)

	cmd := newCommand(ctx, c.command, args...)
	cmd.Dir = c.workDir

	start := time.Now()
	stdout, stderr, exitCode, err := executeCommand(ctx, cmd, c.procMgr, opts.Stream)
	result := InvocationResult{
		ExitCode: exitCode,
		Duration: time.Since(start),
		Stderr:   string(stderr),
	}
	if err != nil {
		return result, fmt.Errorf("codex command failed: %w", err)
	}

	threadID, content, parseErr := parseCodexEvents(stdout)
	if parseErr != nil {
		return result, fmt.Errorf("failed to parse codex events: %w", parseErr)
	}

	if threadID != "" {
		c.threadID = threadID
	}
	c.started = true

	result.Output = content
	result.SessionID = c.threadID
	return result, nil
}

// Close is a no-op: Codex is invoked per-message, not as a persistent process.
func (c *CodexAdapter) Close() error { return nil }

// buildArgs constructs the command arguments for codex CLI.
// First message: ["exec", prompt, "--json"]; resume: ["resume", threadID, prompt, "--json"].
func (c *CodexAdapter) buildArgs(bundle PromptBundle, opts Options) []string {
	var args []string

	if !c.started && c.threadID == "" {
		args = []string{"exec", bundle.User, "--json"}
	} else {
		args = []string{"resume", c.threadID, bundle.User, "--json"}
	}

	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	args = append(args, c.extraArgs...)
	return args
}

// parseCodexEvents parses newline-delimited JSON events from Codex CLI output,
// extracting the thread_id from ThreadStarted and content from TurnCompleted.
func parseCodexEvents(data []byte) (threadID string, content string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var evt codexEvent
		if parseErr := json.Unmarshal([]byte(line), &evt); parseErr != nil {
			return "", "", fmt.Errorf("failed to parse event type: %w", parseErr)
		}

		switch evt.Type {
		case "ThreadStarted":
			var started codexThreadStarted
			if parseErr := json.Unmarshal([]byte(line), &started); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse ThreadStarted event: %w", parseErr)
			}
			threadID = started.ThreadID

		case "TurnCompleted":
			var completed codexTurnCompleted
			if parseErr := json.Unmarshal([]byte(line), &completed); parseErr != nil {
				return "", "", fmt.Errorf("failed to parse TurnCompleted event: %w", parseErr)
			}
			content = completed.Content
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}
	return threadID, content, nil
}
