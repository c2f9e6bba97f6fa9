// Package harness wraps external AI coding CLIs behind a capability-declaring
// Backend interface. Adapters are fixed tagged variants selected by
// configuration, never by runtime inspection of the external tool.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

// Capability names a feature a harness backend may or may not provide.
type Capability string

const (
	CapStreaming              Capability = "streaming"
	CapTokenReporting         Capability = "token_reporting"
	CapSystemPromptSeparation Capability = "system_prompt_separation"
	CapAutoMode               Capability = "auto_mode"
	CapStructuredOutput       Capability = "structured_output"
	CapModelSelection         Capability = "model_selection"
)

// CapabilitySet is the set of capabilities a backend declares.
type CapabilitySet map[Capability]bool

// Has reports whether the capability is declared.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// PromptBundle carries the composed prompt for one invocation. System holds
// the static instructions, User the task and git snapshot. Backends without
// system-prompt separation receive the two concatenated by the Invoker.
type PromptBundle struct {
	System string
	User   string
}

// Options tunes a single invocation.
type Options struct {
	// Model overrides the backend's configured model when the backend
	// declares model_selection.
	Model string

	// Stream, when non-nil and the backend declares streaming, receives
	// incremental output lines. It is closed when the invocation ends.
	// Non-streaming callers leave it nil.
	Stream chan<- string
}

// TokenUsage is the token accounting for one invocation. Estimated marks
// figures derived from a fixed characters-per-token ratio rather than
// reported by the backend.
type TokenUsage struct {
	Input     int  `json:"input"`
	Output    int  `json:"output"`
	Estimated bool `json:"estimated"`
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.Input + u.Output }

// InvocationResult is the normalized outcome of one harness invocation.
type InvocationResult struct {
	Output    string        // aggregated assistant text
	SessionID string        // backend session/thread identifier
	ExitCode  int           // subprocess exit status
	Tokens    TokenUsage    // exact or estimated, see Tokens.Estimated
	Duration  time.Duration // wall-clock time of the invocation
	TimedOut  bool          // the hard timeout killed the process
	Stderr    string        // captured stderr, for error signatures
}

// Backend is the interface every harness adapter implements.
type Backend interface {
	// Name returns the backend's configured name.
	Name() string

	// Capabilities returns the fixed capability set of this adapter.
	Capabilities() CapabilitySet

	// Invoke runs one prompt through the harness CLI and returns the
	// normalized result. The context bounds the subprocess lifetime.
	Invoke(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error)

	// Close terminates the backend gracefully.
	Close() error
}

// New creates a backend adapter from its configuration.
// The ProcessManager is optional; if nil, subprocesses are not tracked.
func New(name string, cfg config.HarnessConfig, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(name, cfg, pm)
	case "codex":
		return NewCodexAdapter(name, cfg, pm)
	case "goose":
		return NewGooseAdapter(name, cfg, pm)
	default:
		return nil, fmt.Errorf("unknown harness type: %s", cfg.Type)
	}
}
