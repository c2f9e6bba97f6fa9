// Package hooks runs user-supplied lifecycle scripts around the execution
// loop. Hooks are executable files discovered in a global and a project
// directory; sync points block the loop, async points run in the background
// and are drained before the process exits.
package hooks

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

// Lifecycle points. PreLoop, PreTask, and PostLoop are synchronous; the
// rest fire asynchronously.
const (
	PreLoop         = "pre-loop"
	PreTask         = "pre-task"
	PostTask        = "post-task"
	PostLoop        = "post-loop"
	OnError         = "on-error"
	OnBudgetWarning = "on-budget-warning"
	OnAllComplete   = "on-all-tasks-complete"
)

// Failure reports a non-zero hook exit. Only synchronous hooks under
// fail_fast surface it to the loop; async hook failures are logged and
// swallowed.
type Failure struct {
	Point  string
	Script string
	Err    error
}

func (e *Failure) Error() string {
	return fmt.Sprintf("hook %s (%s) failed: %v", filepath.Base(e.Script), e.Point, e.Err)
}

func (e *Failure) Unwrap() error { return e.Err }

// Env is the context passed to hook scripts as TASKPILOT_* variables.
type Env struct {
	SessionID string
	TaskID    string
	TaskTitle string
	Status    string // outcome at post-task and terminal points
	Detail    string // error text or warning detail
	RepoPath  string
}

// Dispatcher discovers and runs lifecycle hooks.
type Dispatcher struct {
	cfg config.HookConfig

	mu      sync.Mutex
	pending sync.WaitGroup
	closed  bool
}

// NewDispatcher creates a dispatcher from hook configuration. Missing hook
// directories are not an error; they simply contribute no scripts.
func NewDispatcher(cfg config.HookConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	return &Dispatcher{cfg: cfg}
}

// RunSync executes every hook registered for a synchronous point, global
// directory first, each directory in sorted filename order. Under fail_fast
// the first failing hook aborts the remainder and returns a Failure;
// otherwise failures are logged and the loop continues.
func (d *Dispatcher) RunSync(ctx context.Context, point string, env Env) error {
	for _, script := range d.discover(point) {
		if err := d.runOne(ctx, point, script, env); err != nil {
			if d.cfg.FailFast {
				return &Failure{Point: point, Script: script, Err: err}
			}
			log.Printf("hook %s (%s) failed, continuing: %v", filepath.Base(script), point, err)
		}
	}
	return nil
}

// FireAsync launches the hooks for an asynchronous point without blocking
// the loop. Failures are logged. After Drain no new hooks are accepted.
func (d *Dispatcher) FireAsync(point string, env Env) {
	scripts := d.discover(point)
	if len(scripts) == 0 {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.pending.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.pending.Done()
		for _, script := range scripts {
			if err := d.runOne(context.Background(), point, script, env); err != nil {
				log.Printf("async hook %s (%s) failed: %v", filepath.Base(script), point, err)
			}
		}
	}()
}

// Drain waits for in-flight async hooks, bounded by the configured grace
// period. Hooks still running when the grace period expires are abandoned.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cfg.GracePeriod):
		log.Printf("hook drain grace period (%s) expired, abandoning remaining hooks", d.cfg.GracePeriod)
	}
}

// discover lists executable hooks for a point: <dir>/<point>/ entries from
// the global then the project directory, each sorted by filename.
func (d *Dispatcher) discover(point string) []string {
	var scripts []string
	for _, dir := range []string{d.cfg.GlobalDir, d.cfg.ProjectDir} {
		if dir == "" {
			continue
		}
		scripts = append(scripts, listExecutables(filepath.Join(dir, point))...)
	}
	return scripts
}

func listExecutables(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var scripts []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0111 == 0 {
			continue
		}
		scripts = append(scripts, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(scripts)
	return scripts
}

// runOne executes a single hook script with the point's environment and the
// per-hook timeout.
func (d *Dispatcher) runOne(ctx context.Context, point, script string, env Env) error {
	hookCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(hookCtx, script)
	cmd.Dir = env.RepoPath
	cmd.Env = append(os.Environ(),
		"TASKPILOT_EVENT="+point,
		"TASKPILOT_SESSION_ID="+env.SessionID,
		"TASKPILOT_TASK_ID="+env.TaskID,
		"TASKPILOT_TASK_TITLE="+env.TaskTitle,
		"TASKPILOT_STATUS="+env.Status,
		"TASKPILOT_DETAIL="+env.Detail,
		"TASKPILOT_REPO="+env.RepoPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
