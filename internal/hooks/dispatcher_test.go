package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

// writeHook installs an executable hook script under dir/point/name.
func writeHook(t *testing.T, dir, point, name, body string) {
	t.Helper()
	pointDir := filepath.Join(dir, point)
	if err := os.MkdirAll(pointDir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", pointDir, err)
	}
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(filepath.Join(pointDir, name), []byte(script), 0755); err != nil {
		t.Fatalf("write hook %s: %v", name, err)
	}
}

func testHookConfig(global, project string) config.HookConfig {
	return config.HookConfig{
		GlobalDir:   global,
		ProjectDir:  project,
		Timeout:     10 * time.Second,
		GracePeriod: 2 * time.Second,
	}
}

func TestRunSyncOrdering(t *testing.T) {
	global := t.TempDir()
	project := t.TempDir()
	out := filepath.Join(t.TempDir(), "order.txt")

	// Global hooks run before project hooks; within a directory, sorted
	// filename order.
	writeHook(t, global, PreTask, "20-second", "echo global-20 >> "+out)
	writeHook(t, global, PreTask, "10-first", "echo global-10 >> "+out)
	writeHook(t, project, PreTask, "10-project", "echo project-10 >> "+out)

	d := NewDispatcher(testHookConfig(global, project))
	if err := d.RunSync(context.Background(), PreTask, Env{RepoPath: t.TempDir()}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read order file: %v", err)
	}
	got := strings.Fields(string(data))
	want := []string{"global-10", "global-20", "project-10"}
	if len(got) != len(want) {
		t.Fatalf("hook runs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("hook runs = %v, want %v", got, want)
		}
	}
}

func TestRunSyncFailFast(t *testing.T) {
	global := t.TempDir()
	out := filepath.Join(t.TempDir(), "ran.txt")

	writeHook(t, global, PreLoop, "10-fail", "exit 3")
	writeHook(t, global, PreLoop, "20-after", "echo ran >> "+out)

	cfg := testHookConfig(global, "")
	cfg.FailFast = true
	d := NewDispatcher(cfg)

	err := d.RunSync(context.Background(), PreLoop, Env{RepoPath: t.TempDir()})
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("RunSync = %v, want Failure", err)
	}
	if failure.Point != PreLoop {
		t.Errorf("failure point = %q, want %q", failure.Point, PreLoop)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("hook after the failing one still ran under fail_fast")
	}
}

func TestRunSyncContinuesWithoutFailFast(t *testing.T) {
	global := t.TempDir()
	out := filepath.Join(t.TempDir(), "ran.txt")

	writeHook(t, global, PostLoop, "10-fail", "exit 1")
	writeHook(t, global, PostLoop, "20-after", "echo ran >> "+out)

	d := NewDispatcher(testHookConfig(global, ""))
	if err := d.RunSync(context.Background(), PostLoop, Env{RepoPath: t.TempDir()}); err != nil {
		t.Fatalf("RunSync without fail_fast = %v, want nil", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Error("hook after the failing one did not run")
	}
}

func TestHookEnvironment(t *testing.T) {
	global := t.TempDir()
	out := filepath.Join(t.TempDir(), "env.txt")

	writeHook(t, global, PostTask, "10-env",
		`echo "$TASKPILOT_EVENT $TASKPILOT_TASK_ID $TASKPILOT_STATUS" >> `+out)

	d := NewDispatcher(testHookConfig(global, ""))
	d.FireAsync(PostTask, Env{TaskID: "task-7", Status: "closed", RepoPath: t.TempDir()})
	d.Drain()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read env file: %v", err)
	}
	got := strings.TrimSpace(string(data))
	if got != "post-task task-7 closed" {
		t.Errorf("hook env = %q", got)
	}
}

func TestDrainBounded(t *testing.T) {
	global := t.TempDir()
	writeHook(t, global, OnError, "10-slow", "sleep 30")

	cfg := testHookConfig(global, "")
	cfg.GracePeriod = 100 * time.Millisecond
	d := NewDispatcher(cfg)

	d.FireAsync(OnError, Env{RepoPath: t.TempDir()})
	start := time.Now()
	d.Drain()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Drain blocked for %s, grace period was 100ms", elapsed)
	}

	// After drain, new async hooks are dropped.
	d.FireAsync(OnError, Env{RepoPath: t.TempDir()})
}

func TestMissingDirsAreQuiet(t *testing.T) {
	d := NewDispatcher(testHookConfig(filepath.Join(t.TempDir(), "nope"), ""))
	if err := d.RunSync(context.Background(), PreLoop, Env{}); err != nil {
		t.Errorf("RunSync with missing dirs = %v, want nil", err)
	}
}
