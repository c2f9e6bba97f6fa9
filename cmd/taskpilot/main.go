package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskpilot/taskpilot/internal/artifacts"
	"github.com/taskpilot/taskpilot/internal/backlog"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/gitstate"
	"github.com/taskpilot/taskpilot/internal/guardrail"
	"github.com/taskpilot/taskpilot/internal/harness"
	"github.com/taskpilot/taskpilot/internal/hooks"
	"github.com/taskpilot/taskpilot/internal/loop"
	"github.com/taskpilot/taskpilot/internal/worktree"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Autonomous task execution against a git-backed backlog",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newSeedCmd(), newTasksCmd(), newAddCmd(), newInitCmd())
	return root
}

func loadSettings() (*config.Settings, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func openBacklog(ctx context.Context, cfg *config.Settings) (backlog.Backend, error) {
	store, err := backlog.NewSQLiteStore(ctx, cfg.BacklogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backlog: %w", err)
	}
	return store, nil
}

func newRunCmd() *cobra.Command {
	var (
		filterTypes  []string
		filterLabels []string
		parallelism  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute ready tasks until the backlog is empty or a guardrail stops the run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			if parallelism > 0 {
				cfg.Parallelism = parallelism
			}

			ctx := cmd.Context()
			store, err := openBacklog(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			return runLoop(ctx, cfg, store, backlog.Filter{Types: filterTypes, Labels: filterLabels})
		},
	}

	cmd.Flags().StringSliceVar(&filterTypes, "type", nil, "only select tasks of these types")
	cmd.Flags().StringSliceVar(&filterLabels, "label", nil, "only select tasks carrying these labels")
	cmd.Flags().IntVar(&parallelism, "parallel", 0, "number of concurrent workers (overrides configuration)")
	return cmd
}

func runLoop(ctx context.Context, cfg *config.Settings, store backlog.Backend, filter backlog.Filter) error {
	repoPath, err := os.Getwd()
	if err != nil {
		return err
	}

	pm := harness.NewProcessManager()
	go func() {
		<-ctx.Done()
		if err := pm.KillAll(); err != nil {
			log.Printf("failed to kill harness subprocesses: %v", err)
		}
	}()

	bus := events.NewBus()
	defer bus.Close()
	go logEvents(bus.SubscribeAll(0))

	dispatcher := hooks.NewDispatcher(cfg.Hooks)
	defer dispatcher.Drain()

	instructions, err := loadInstructions()
	if err != nil {
		return err
	}

	newExecutors := func(workDir string) (map[string]loop.Executor, error) {
		executors := make(map[string]loop.Executor, len(cfg.Harnesses))
		for name, hcfg := range cfg.Harnesses {
			backend, err := harness.New(name, hcfg, pm)
			if err != nil {
				return nil, fmt.Errorf("failed to set up harness %s: %w", name, err)
			}
			if ws, ok := backend.(interface{ SetWorkDir(string) }); ok && workDir != "" {
				ws.SetWorkDir(workDir)
			}
			executors[name] = harness.NewInvoker(backend, cfg.InvokeTimeout, cfg.CharsPerToken)
		}
		return executors, nil
	}

	if cfg.Parallelism > 1 {
		summaries, err := loop.RunParallel(ctx, loop.ParallelDeps{
			Config:  *cfg,
			Backlog: store,
			Worktrees: worktree.NewManager(worktree.Config{
				RepoPath:   repoPath,
				BaseBranch: cfg.BaseBranch,
			}),
			NewExecutors: newExecutors,
			Hooks:        dispatcher,
			Bus:          bus,
			Filter:       filter,
			Instructions: instructions,
		})
		for _, s := range summaries {
			printSummary(s)
		}
		return err
	}

	monitor, err := guardrail.NewMonitor(cfg.Guardrails, nil)
	if err != nil {
		return err
	}
	git := gitstate.NewManager(repoPath)
	head, err := git.Head()
	if err != nil {
		return err
	}
	session := loop.NewRunSession(head)

	writer, err := artifacts.NewWriter(cfg.ArtifactsDir, session.ID, monitor.Redact)
	if err != nil {
		return err
	}

	executors, err := newExecutors("")
	if err != nil {
		return err
	}

	ctrl := loop.NewController(loop.Deps{
		Config:       *cfg,
		Backlog:      store,
		Executors:    executors,
		Git:          git,
		Monitor:      monitor,
		Hooks:        dispatcher,
		Bus:          bus,
		Artifacts:    writer,
		Session:      session,
		Filter:       filter,
		Instructions: instructions,
	})

	summary, err := ctrl.Run(ctx)
	printSummary(summary)
	return err
}

// loadInstructions reads the optional static system instructions file.
func loadInstructions() (string, error) {
	data, err := os.ReadFile(filepath.Join(".taskpilot", "instructions.md"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read instructions: %w", err)
	}
	return string(data), nil
}

func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		if task := ev.TaskID(); task != "" {
			log.Printf("[%s] task=%s", ev.EventType(), task)
		} else {
			log.Printf("[%s]", ev.EventType())
		}
	}
}

func printSummary(s loop.Summary) {
	fmt.Printf("\nrun %s: %s\n", s.SessionID, s.Reason)
	fmt.Printf("  iterations: %d, completed: %d, failed: %d, skipped: %d, commits: %d, tokens: %d\n",
		s.Iterations, len(s.Completed), len(s.Failed), s.Skipped, s.Commits, s.Tokens)
	if len(s.Failed) > 0 {
		fmt.Printf("  failed tasks: %s\n", strings.Join(s.Failed, ", "))
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load tasks from a YAML file into the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openBacklog(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := backlog.LoadSeedFile(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d tasks from %s\n", len(ids), args[0])
			return nil
		},
	}
}

func newTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List backlog tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openBacklog(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			tasks, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tPRI\tTITLE")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Priority, t.Title)
			}
			return w.Flush()
		},
	}
}

func newAddCmd() *cobra.Command {
	var spec backlog.TaskSpec

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task to the backlog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openBacklog(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			spec.Title = args[0]
			id, err := store.Create(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	cmd.Flags().StringVar(&spec.Type, "type", "", "task type")
	cmd.Flags().StringVar(&spec.Description, "description", "", "task description")
	cmd.Flags().IntVar(&spec.Priority, "priority", 0, "priority (lower runs first)")
	cmd.Flags().StringSliceVar(&spec.DependsOn, "depends-on", nil, "task IDs this task depends on")
	cmd.Flags().StringSliceVar(&spec.Labels, "label", nil, "labels")
	cmd.Flags().StringSliceVar(&spec.AcceptanceCriteria, "criteria", nil, "acceptance criteria")
	cmd.Flags().StringVar(&spec.ModelHint, "model", "", "harness name or model override")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default project configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(".taskpilot", "config.json")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.Save(config.DefaultSettings(), path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
}
