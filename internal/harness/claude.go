package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/taskpilot/taskpilot/internal/config"
)

// ClaudeAdapter drives the Claude Code CLI. It reports exact token usage and
// accepts a separate system prompt, so the Invoker passes the bundle through
// unmodified.
type ClaudeAdapter struct {
	name      string
	command   string
	extraArgs []string
	sessionID string
	workDir   string
	model     string
	started   bool
	procMgr   *ProcessManager
}

// claudeResponse represents the JSON structure returned by Claude Code CLI.
type claudeResponse struct {
	SessionID string `json:"session_id"`
	Result    struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeAdapter creates a new Claude Code harness adapter.
func NewClaudeAdapter(name string, cfg config.HarnessConfig, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	command := cfg.Command
	if command == "" {
		command = "claude"
	}

	return &ClaudeAdapter{
		name:      name,
		command:   command,
		extraArgs: cfg.Args,
		sessionID: uuid.NewString(),
		workDir:   workDir,
		model:     cfg.Model,
		procMgr:   procMgr,
	}, nil
}

// Name returns the configured backend name.
func (a *ClaudeAdapter) Name() string { return a.name }

// SetWorkDir points the adapter at a different working copy (worktree).
func (a *ClaudeAdapter) SetWorkDir(dir string) { a.workDir = dir }

// Capabilities returns the fixed capability set of the Claude CLI.
func (a *ClaudeAdapter) Capabilities() CapabilitySet {
	return CapabilitySet{
		CapTokenReporting:         true,
		CapSystemPromptSeparation: true,
		CapAutoMode:               true,
		CapStructuredOutput:       true,
		CapModelSelection:         true,
	}
}

// Invoke runs one prompt through the Claude CLI.
// The first call uses --session-id, subsequent calls use --resume.
func (a *ClaudeAdapter) Invoke(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error) {
	args := a.buildArgs(bundle, opts, a.started)

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	start := time.Now()
	stdout, stderr, exitCode, err := executeCommand(ctx, cmd, a.procMgr, nil)
	result := InvocationResult{
		ExitCode: exitCode,
		Duration: time.Since(start),
		Stderr:   string(stderr),
	}
	if err != nil {
		return result, fmt.Errorf("claude command failed: %w", err)
	}

	var cr claudeResponse
	if err := json.Unmarshal(stdout, &cr); err != nil {
		return result, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}

	var content string
	for _, item := range cr.Result.Content {
		if item.Type == "text" {
			content += item.Text
		}
	}

	result.Output = content
	result.SessionID = cr.SessionID
	if result.SessionID == "" {
		result.SessionID = a.sessionID
	}
	result.Tokens = TokenUsage{
		Input:  cr.Usage.InputTokens,
		Output: cr.Usage.OutputTokens,
	}

	a.started = true
	return result, nil
}

// Close is a no-op: Claude Code runs one subprocess per invocation.
func (a *ClaudeAdapter) Close() error { return nil }

// buildArgs constructs the command-line arguments for the claude CLI.
func (a *ClaudeAdapter) buildArgs(bundle PromptBundle, opts Options, isResume bool) []string {
	args := []string{"-p", bundle.User, "--output-format", "json"}

	if isResume {
		args = append(args, "--resume", a.sessionID)
	} else {
		args = append(args, "--session-id", a.sessionID)
	}

	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if bundle.System != "" {
		args = append(args, "--system-prompt", bundle.System)
	}

	args = append(args, a.extraArgs...)
	return args
}
