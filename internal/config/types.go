package config

import "time"

// CleanStatePolicy controls the pre-task working tree check.
type CleanStatePolicy string

const (
	// CleanRequired fails the task if the working tree is dirty before execution.
	CleanRequired CleanStatePolicy = "required"
	// CleanAutoCommit commits stray changes before execution instead of failing.
	CleanAutoCommit CleanStatePolicy = "auto_commit"
	// CleanIgnore skips the pre-task check entirely.
	CleanIgnore CleanStatePolicy = "ignore"
)

// FailurePolicy controls what happens to the run when a task exhausts its retries.
type FailurePolicy string

const (
	// FailStop aborts the run after the first failed task.
	FailStop FailurePolicy = "stop"
	// FailContinue moves on to the next ready task.
	FailContinue FailurePolicy = "continue"
)

// BreakerAction is the configured response when the circuit breaker opens.
type BreakerAction string

const (
	ActionPause    BreakerAction = "pause"
	ActionAlert    BreakerAction = "alert"
	ActionAbort    BreakerAction = "abort"
	ActionEscalate BreakerAction = "escalate"
)

// HarnessConfig defines one harness CLI backend (transport layer).
// Multiple run profiles can share one harness.
type HarnessConfig struct {
	Command      string   `json:"command"`                 // CLI binary name (e.g., "claude", "codex", "goose")
	Type         string   `json:"type"`                    // Adapter type: "claude", "codex", "goose"
	Args         []string `json:"args,omitempty"`          // Default args appended to every invocation
	Model        string   `json:"model,omitempty"`         // Model override
	Provider     string   `json:"provider,omitempty"`      // Local LLM provider for goose (e.g., "ollama")
	SystemPrompt string   `json:"system_prompt,omitempty"` // Replaces the project instructions for this harness
}

// GuardrailConfig bounds per-task and per-run resource use.
type GuardrailConfig struct {
	MaxTaskIterations int     `json:"max_task_iterations"` // Per-task attempt ceiling
	MaxRunIterations  int     `json:"max_run_iterations"`  // Run-wide iteration ceiling
	WarnFraction      float64 `json:"warn_fraction"`       // Fraction of a ceiling that fires a one-shot warning

	// Stagnation detection. StagnationWindow is the number of consecutive
	// no-progress iterations that trips the circuit breaker.
	StagnationWindow int           `json:"stagnation_window"`
	BreakerAction    BreakerAction `json:"breaker_action"`
	BreakerCooldown  time.Duration `json:"breaker_cooldown"` // How long the breaker stays open before a trial iteration

	// SecretPatterns are case-insensitive key names whose values are redacted
	// from everything persisted or logged.
	SecretPatterns []string `json:"secret_patterns"`

	// ProtectedPaths are glob patterns a task diff may not touch.
	ProtectedPaths []string `json:"protected_paths,omitempty"`
}

// HookConfig controls lifecycle hook execution.
type HookConfig struct {
	GlobalDir   string        `json:"global_dir"`   // First hook location searched
	ProjectDir  string        `json:"project_dir"`  // Second hook location searched
	Timeout     time.Duration `json:"timeout"`      // Per-invocation timeout
	GracePeriod time.Duration `json:"grace_period"` // Bound on draining pending async hooks at exit
	FailFast    bool          `json:"fail_fast"`    // Hook failure halts the run
}

// Settings is the top-level resolved configuration consumed by the loop.
type Settings struct {
	Harnesses       map[string]HarnessConfig `json:"harnesses"`
	HarnessPriority []string                 `json:"harness_priority"` // Selection order when a task has no model hint

	Guardrails GuardrailConfig `json:"guardrails"`
	Hooks      HookConfig      `json:"hooks"`

	CleanState    CleanStatePolicy `json:"clean_state"`
	FailurePolicy FailurePolicy    `json:"failure_policy"`

	// InvokeTimeout is the hard per-invocation ceiling; expiry kills the
	// harness process group. TaskTimeout optionally bounds a whole task
	// across retries (0 disables).
	InvokeTimeout time.Duration `json:"invoke_timeout"`
	TaskTimeout   time.Duration `json:"task_timeout"`

	// CharsPerToken is the fixed estimate used when a harness does not
	// report exact token usage.
	CharsPerToken int `json:"chars_per_token"`

	ArtifactsDir string `json:"artifacts_dir"` // Root of the per-run audit trail
	BacklogPath  string `json:"backlog_path"`  // SQLite database path

	// Parallel mode: number of concurrent controllers, each in its own
	// worktree. 1 disables worktree isolation.
	Parallelism int    `json:"parallelism"`
	BaseBranch  string `json:"base_branch"`
}
