package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Settings, error) {
	cfg := DefaultSettings()

	if globalPath != "" {
		if err := mergeSettingsFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeSettingsFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if cfg.Hooks.GlobalDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Hooks.GlobalDir = filepath.Join(home, ".taskpilot", "hooks")
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskpilot/config.json
// Project: .taskpilot/config.json (relative to cwd)
func LoadDefault() (*Settings, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskpilot", "config.json")
	projectPath := filepath.Join(".taskpilot", "config.json")

	return Load(globalPath, projectPath)
}

// mergeSettingsFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeSettingsFile(base *Settings, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileSettings
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	loaded.applyTo(base)
	return nil
}

// fileSettings mirrors Settings with pointer fields so a config file only
// overrides the keys it actually sets.
type fileSettings struct {
	Harnesses       map[string]HarnessConfig `json:"harnesses"`
	HarnessPriority []string                 `json:"harness_priority"`
	Guardrails      *GuardrailConfig         `json:"guardrails"`
	Hooks           *HookConfig              `json:"hooks"`
	CleanState      *CleanStatePolicy        `json:"clean_state"`
	FailurePolicy   *FailurePolicy           `json:"failure_policy"`
	InvokeTimeout   *int64                   `json:"invoke_timeout_seconds"`
	TaskTimeout     *int64                   `json:"task_timeout_seconds"`
	CharsPerToken   *int                     `json:"chars_per_token"`
	ArtifactsDir    *string                  `json:"artifacts_dir"`
	BacklogPath     *string                  `json:"backlog_path"`
	Parallelism     *int                     `json:"parallelism"`
	BaseBranch      *string                  `json:"base_branch"`
}

func (f *fileSettings) applyTo(base *Settings) {
	for key, h := range f.Harnesses {
		base.Harnesses[key] = h
	}
	if len(f.HarnessPriority) > 0 {
		base.HarnessPriority = f.HarnessPriority
	}
	if f.Guardrails != nil {
		base.Guardrails = *f.Guardrails
	}
	if f.Hooks != nil {
		base.Hooks = *f.Hooks
	}
	if f.CleanState != nil {
		base.CleanState = *f.CleanState
	}
	if f.FailurePolicy != nil {
		base.FailurePolicy = *f.FailurePolicy
	}
	if f.InvokeTimeout != nil {
		base.InvokeTimeout = secondsToDuration(*f.InvokeTimeout)
	}
	if f.TaskTimeout != nil {
		base.TaskTimeout = secondsToDuration(*f.TaskTimeout)
	}
	if f.CharsPerToken != nil {
		base.CharsPerToken = *f.CharsPerToken
	}
	if f.ArtifactsDir != nil {
		base.ArtifactsDir = *f.ArtifactsDir
	}
	if f.BacklogPath != nil {
		base.BacklogPath = *f.BacklogPath
	}
	if f.Parallelism != nil {
		base.Parallelism = *f.Parallelism
	}
	if f.BaseBranch != nil {
		base.BaseBranch = *f.BaseBranch
	}
}
