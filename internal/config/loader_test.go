package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "no-global.json"), filepath.Join(dir, "no-project.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Guardrails.MaxTaskIterations != 3 {
		t.Errorf("MaxTaskIterations = %d, want 3", cfg.Guardrails.MaxTaskIterations)
	}
	if cfg.CleanState != CleanRequired {
		t.Errorf("CleanState = %q, want required", cfg.CleanState)
	}
	if len(cfg.HarnessPriority) == 0 {
		t.Error("harness priority is empty")
	}
	if _, ok := cfg.Harnesses["claude"]; !ok {
		t.Error("default claude harness missing")
	}
}

func TestProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{
		"chars_per_token": 3,
		"parallelism": 2,
		"base_branch": "develop"
	}`)
	project := writeConfig(t, dir, "project.json", `{
		"parallelism": 4
	}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Project wins where set; global fills the rest; defaults survive
	// everything unset.
	if cfg.Parallelism != 4 {
		t.Errorf("Parallelism = %d, want 4", cfg.Parallelism)
	}
	if cfg.CharsPerToken != 3 {
		t.Errorf("CharsPerToken = %d, want 3", cfg.CharsPerToken)
	}
	if cfg.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.BaseBranch)
	}
	if cfg.Guardrails.MaxRunIterations != 50 {
		t.Errorf("MaxRunIterations = %d, want default 50", cfg.Guardrails.MaxRunIterations)
	}
}

func TestTimeoutsParseAsSeconds(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "project.json", `{
		"invoke_timeout_seconds": 120,
		"task_timeout_seconds": 600
	}`)

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InvokeTimeout != 2*time.Minute {
		t.Errorf("InvokeTimeout = %s, want 2m", cfg.InvokeTimeout)
	}
	if cfg.TaskTimeout != 10*time.Minute {
		t.Errorf("TaskTimeout = %s, want 10m", cfg.TaskTimeout)
	}
}

func TestHarnessEntriesMergeByName(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "project.json", `{
		"harnesses": {
			"claude": {"command": "claude-next", "type": "claude"}
		}
	}`)

	cfg, err := Load("", project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Harnesses["claude"].Command != "claude-next" {
		t.Errorf("claude command = %q", cfg.Harnesses["claude"].Command)
	}
	// Unmentioned defaults survive.
	if _, ok := cfg.Harnesses["codex"]; !ok {
		t.Error("codex default lost during merge")
	}
}

func TestMalformedConfigIsAnError(t *testing.T) {
	dir := t.TempDir()
	project := writeConfig(t, dir, "project.json", `{not json`)

	if _, err := Load("", project); err == nil {
		t.Fatal("malformed config accepted")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := DefaultSettings()
	cfg.Parallelism = 3
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Parallelism != 3 {
		t.Errorf("Parallelism = %d, want 3", loaded.Parallelism)
	}
}
