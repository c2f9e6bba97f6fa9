package config

import "time"

// DefaultSettings returns the default configuration with built-in harnesses
// and conservative guardrail ceilings.
func DefaultSettings() *Settings {
	return &Settings{
		Harnesses: map[string]HarnessConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
			"goose": {
				Command: "goose",
				Type:    "goose",
			},
		},
		HarnessPriority: []string{"claude", "codex", "goose"},
		Guardrails: GuardrailConfig{
			MaxTaskIterations: 3,
			MaxRunIterations:  50,
			WarnFraction:      0.8,
			StagnationWindow:  3,
			BreakerAction:     ActionPause,
			BreakerCooldown:   5 * time.Minute,
			SecretPatterns: []string{
				"api_key", "apikey", "token", "secret", "password", "credential",
			},
		},
		Hooks: HookConfig{
			GlobalDir:   "", // resolved against the user home dir by the loader
			ProjectDir:  ".taskpilot/hooks",
			Timeout:     300 * time.Second,
			GracePeriod: 30 * time.Second,
		},
		CleanState:    CleanRequired,
		FailurePolicy: FailContinue,
		InvokeTimeout: 30 * time.Minute,
		CharsPerToken: 4,
		ArtifactsDir:  ".taskpilot/runs",
		BacklogPath:   ".taskpilot/backlog.db",
		Parallelism:   1,
		BaseBranch:    "main",
	}
}
