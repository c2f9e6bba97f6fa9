package loop

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/taskpilot/taskpilot/internal/artifacts"
	"github.com/taskpilot/taskpilot/internal/backlog"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/gitstate"
	"github.com/taskpilot/taskpilot/internal/guardrail"
	"github.com/taskpilot/taskpilot/internal/hooks"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

// ExecutorFactory builds the harness executors bound to a working
// directory. Each parallel worker gets its own executors so harness
// subprocesses run inside that worker's worktree.
type ExecutorFactory func(workDir string) (map[string]Executor, error)

// ParallelDeps wires a parallel run. The backlog backend is shared; it is
// the coordination point through which workers claim tasks.
type ParallelDeps struct {
	Config       config.Settings
	Backlog      backlog.Backend
	Worktrees    *worktree.Manager
	NewExecutors ExecutorFactory
	Hooks        *hooks.Dispatcher
	Bus          *events.Bus
	Filter       backlog.Filter
	Instructions string
}

// RunParallel runs Config.Parallelism controllers concurrently, each in its
// own worktree with its own session, monitor, and breaker. Accepted work
// stays on per-worker branches. The first worker fault cancels the rest;
// clean guardrail stops do not.
func RunParallel(ctx context.Context, d ParallelDeps) ([]Summary, error) {
	workers := d.Config.Parallelism
	if workers < 1 {
		workers = 1
	}

	if err := d.Worktrees.Prune(); err != nil {
		log.Printf("worktree prune before run failed: %v", err)
	}

	summaries := make([]Summary, workers)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < workers; i++ {
		i := i
		g.Go(func() error {
			summary, err := runWorker(gctx, d, i+1)
			summaries[i] = summary
			return err
		})
	}

	err := g.Wait()
	return summaries, err
}

// runWorker sets up one worker's isolated environment and runs a controller
// to completion inside it.
func runWorker(ctx context.Context, d ParallelDeps, n int) (Summary, error) {
	monitor, err := guardrail.NewMonitor(d.Config.Guardrails, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("worker %d: %w", n, err)
	}

	session := NewRunSession("")
	name := fmt.Sprintf("worker-%d-%s", n, session.ID[:8])

	info, err := d.Worktrees.Create(name)
	if err != nil {
		return Summary{}, fmt.Errorf("worker %d: %w", n, err)
	}
	defer func() {
		// Keep the branch: accepted work lives there until merged.
		if err := d.Worktrees.Remove(info); err != nil {
			log.Printf("worker %d: worktree cleanup failed: %v", n, err)
		}
	}()
	session.StartHead = info.Head

	executors, err := d.NewExecutors(info.Path)
	if err != nil {
		return Summary{}, fmt.Errorf("worker %d: %w", n, err)
	}

	writer, err := artifacts.NewWriter(d.Config.ArtifactsDir, session.ID, monitor.Redact)
	if err != nil {
		return Summary{}, fmt.Errorf("worker %d: %w", n, err)
	}

	ctrl := NewController(Deps{
		Config:       d.Config,
		Backlog:      d.Backlog,
		Executors:    executors,
		Git:          gitstate.NewManager(info.Path),
		Monitor:      monitor,
		Hooks:        d.Hooks,
		Bus:          d.Bus,
		Artifacts:    writer,
		Session:      session,
		Filter:       d.Filter,
		Instructions: d.Instructions,
		ClaimTasks:   true,
	})
	return ctrl.Run(ctx)
}
