package harness

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

// GooseAdapter drives the Goose CLI, which fronts local LLM providers
// (Ollama, LM Studio, llama.cpp) via --provider and --model flags. It reports
// neither token usage nor a separate system prompt channel.
type GooseAdapter struct {
	name        string
	command     string
	extraArgs   []string
	sessionName string
	workDir     string
	model       string
	provider    string
	started     bool
	procMgr     *ProcessManager
}

// gooseResponse represents the JSON response structure from Goose CLI.
type gooseResponse struct {
	Content string `json:"content"`
}

// NewGooseAdapter creates a new Goose adapter with a generated session name.
func NewGooseAdapter(name string, cfg config.HarnessConfig, procMgr *ProcessManager) (*GooseAdapter, error) {
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate session name: %w", err)
	}

	command := cfg.Command
	if command == "" {
		command = "goose"
	}

	return &GooseAdapter{
		name:        name,
		command:     command,
		extraArgs:   cfg.Args,
		sessionName: "taskpilot-" + hex.EncodeToString(randomBytes),
		model:       cfg.Model,
		provider:    cfg.Provider,
		procMgr:     procMgr,
	}, nil
}

// Name returns the configured backend name.
func (g *GooseAdapter) Name() string { return g.name }

// SetWorkDir points the adapter at a different working copy (worktree).
func (g *GooseAdapter) SetWorkDir(dir string) { g.workDir = dir }

// Capabilities returns the fixed capability set of the Goose CLI.
func (g *GooseAdapter) Capabilities() CapabilitySet {
	return CapabilitySet{
		CapAutoMode:       true,
		CapModelSelection: true,
	}
}

// Invoke runs one prompt through Goose. The first call starts a named
// session; subsequent calls resume it.
func (g *GooseAdapter) Invoke(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error) {
	args := g.buildArgs(bundle, opts)

	cmd := newCommand(ctx, g.command, args...)
	cmd.Dir = g.workDir

	start := time.Now()
	stdout, stderr, exitCode, err := executeCommand(ctx, cmd, g.procMgr, nil)
	result := InvocationResult{
		ExitCode:  exitCode,
		Duration:  time.Since(start),
		Stderr:    string(stderr),
		SessionID: g.sessionName,
	}
	if err != nil {
		return result, fmt.Errorf("goose command failed: %w", err)
	}

	g.started = true
	result.Output = parseGooseOutput(stdout)
	return result, nil
}

// Close is a no-op: Goose sessions are resumed by name, not held open.
func (g *GooseAdapter) Close() error { return nil }

// buildArgs constructs the goose CLI arguments.
// First call: run --name <session> --text <prompt>; later: adds --resume.
func (g *GooseAdapter) buildArgs(bundle PromptBundle, opts Options) []string {
	args := []string{"run", "--name", g.sessionName, "--text", bundle.User, "--output-format", "json"}

	if g.started {
		args = append(args, "--resume")
	}

	if g.provider != "" {
		args = append(args, "--provider", g.provider)
	}
	model := g.model
	if opts.Model != "" {
		model = opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	args = append(args, g.extraArgs...)
	return args
}

// parseGooseOutput extracts the response text. Goose output is loosely
// structured: try JSON first, fall back to raw text.
func parseGooseOutput(data []byte) string {
	var gr gooseResponse
	if err := json.Unmarshal(data, &gr); err == nil && gr.Content != "" {
		return gr.Content
	}
	return strings.TrimSpace(string(data))
}
