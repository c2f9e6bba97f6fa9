package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/taskpilot/taskpilot/internal/artifacts"
	"github.com/taskpilot/taskpilot/internal/backlog"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/events"
	"github.com/taskpilot/taskpilot/internal/gitstate"
	"github.com/taskpilot/taskpilot/internal/guardrail"
	"github.com/taskpilot/taskpilot/internal/harness"
	"github.com/taskpilot/taskpilot/internal/hooks"
	"github.com/taskpilot/taskpilot/internal/prompt"
	"github.com/taskpilot/taskpilot/internal/selector"
)

// Executor runs one prompt through a harness. Satisfied by
// *harness.Invoker; tests substitute fakes.
type Executor interface {
	Invoke(ctx context.Context, bundle harness.PromptBundle, opts harness.Options) (harness.InvocationResult, error)
}

// Git is the repository surface the controller needs. Satisfied by
// *gitstate.Manager.
type Git interface {
	IsRepo() error
	VerifyClean(policy config.CleanStatePolicy) error
	Snapshot() (prompt.GitSnapshot, error)
	HasChanges() (bool, error)
	ChangedFiles() ([]string, error)
	DiffPatch() (string, error)
	Head() (string, error)
	CommitTask(taskID, title string, attempt int) (string, error)
	CommitCount(since string) (int, error)
	RepoPath() string
}

// Deps wires a controller. Every field except Artifacts and Bus is required.
type Deps struct {
	Config       config.Settings
	Backlog      backlog.Backend
	Executors    map[string]Executor // keyed by harness name
	Git          Git
	Monitor      *guardrail.Monitor
	Hooks        *hooks.Dispatcher
	Bus          *events.Bus
	Artifacts    *artifacts.Writer
	Session      *RunSession
	Filter       backlog.Filter
	Instructions string
	ClaimTasks   bool // parallel mode: atomically claim before executing
}

// Controller owns one execution loop. It never runs two harness invocations
// at once; parallelism happens by running multiple controllers.
type Controller struct {
	d Deps
}

// NewController creates a controller from its dependencies.
func NewController(d Deps) *Controller {
	return &Controller{d: d}
}

// Run executes the loop until a terminal condition and returns the summary.
// The returned error is non-nil only for faults that indicate the run did
// not stop cleanly (data integrity, git state, hook failure). The caller
// drains the hook dispatcher; it may be shared across controllers.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	reason, runErr := c.preflight(ctx)
	if reason == "" {
		c.publishRunStarted()
		reason, runErr = c.cycle(ctx)
	}

	if err := c.d.Hooks.RunSync(ctx, hooks.PostLoop, c.hookEnv("", "", reason)); err != nil {
		log.Printf("post-loop hook failed: %v", err)
	}

	commits, err := c.d.Git.CommitCount(c.d.Session.StartHead)
	if err != nil {
		log.Printf("failed to count run commits: %v", err)
	}
	summary := c.d.Session.Summarize(reason, c.d.Monitor.Breaker().State(), commits, c.skippedCount())

	if c.d.Artifacts != nil {
		if err := c.d.Artifacts.WriteSummary(summary); err != nil {
			log.Printf("failed to write run summary: %v", err)
		}
	}
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.TopicRun, events.RunFinishedEvent{
			SessionID:  summary.SessionID,
			Reason:     summary.Reason,
			Iterations: summary.Iterations,
			Completed:  len(summary.Completed),
			Failed:     len(summary.Failed),
			Commits:    summary.Commits,
			Timestamp:  time.Now(),
		})
	}

	return summary, runErr
}

// skippedCount reports how many tasks are still open when the run ends.
// Uses a fresh context so a cancelled run still gets a full summary.
func (c *Controller) skippedCount() int {
	tasks, err := c.d.Backlog.List(context.Background())
	if err != nil {
		log.Printf("failed to count skipped tasks: %v", err)
		return 0
	}
	skipped := 0
	for _, t := range tasks {
		if t.Status == backlog.StatusOpen {
			skipped++
		}
	}
	return skipped
}

// preflight runs the PRECHECK phase: repository verification, clean-state
// policy, backlog integrity, and the pre-loop hooks. A non-empty reason
// terminates the run before the first iteration.
func (c *Controller) preflight(ctx context.Context) (string, error) {
	if err := c.d.Git.IsRepo(); err != nil {
		return ReasonGitState, err
	}
	if err := c.d.Git.VerifyClean(c.d.Config.CleanState); err != nil {
		return ReasonGitState, err
	}

	tasks, err := c.d.Backlog.List(ctx)
	if err != nil {
		return ReasonDataIntegrity, fmt.Errorf("failed to load backlog: %w", err)
	}
	if _, err := selector.Validate(tasks); err != nil {
		return ReasonDataIntegrity, err
	}

	if err := c.d.Hooks.RunSync(ctx, hooks.PreLoop, c.hookEnv("", "", "")); err != nil {
		return ReasonHookFailure, err
	}
	return "", nil
}

func (c *Controller) publishRunStarted() {
	if c.d.Bus == nil {
		return
	}
	snap, err := c.d.Git.Snapshot()
	if err != nil {
		log.Printf("failed to snapshot repository: %v", err)
	}
	c.d.Bus.Publish(events.TopicRun, events.RunStartedEvent{
		SessionID: c.d.Session.ID,
		Branch:    snap.Branch,
		Head:      snap.Head,
		Timestamp: time.Now(),
	})
}

// cycle is the SELECTING loop: pick a task, execute it, repeat until the
// backlog is empty or a guardrail ends the run.
func (c *Controller) cycle(ctx context.Context) (string, error) {
	for {
		if ctx.Err() != nil {
			return ReasonCancelled, nil
		}
		if err := c.d.Monitor.CheckRunBudget(); err != nil {
			log.Printf("run stopped: %v", err)
			return ReasonRunBudget, nil
		}

		tasks, err := c.d.Backlog.List(ctx)
		if err != nil {
			return ReasonDataIntegrity, fmt.Errorf("failed to load backlog: %w", err)
		}
		task := selector.Select(tasks, c.d.Filter)
		if task == nil {
			c.d.Hooks.FireAsync(hooks.OnAllComplete, c.hookEnv("", "", ReasonBacklogEmpty))
			return ReasonBacklogEmpty, nil
		}

		if c.d.ClaimTasks {
			claimed, err := c.d.Backlog.Claim(ctx, task.ID)
			if err != nil {
				return ReasonDataIntegrity, fmt.Errorf("failed to claim task %s: %w", task.ID, err)
			}
			if !claimed {
				continue
			}
		} else {
			if err := c.d.Backlog.UpdateStatus(ctx, task.ID, backlog.StatusInProgress); err != nil {
				return ReasonDataIntegrity, fmt.Errorf("failed to mark task %s in progress: %w", task.ID, err)
			}
		}

		if c.d.Bus != nil {
			c.d.Bus.Publish(events.TopicTask, events.TaskSelectedEvent{
				ID:        task.ID,
				Title:     task.Title,
				Priority:  task.Priority,
				Timestamp: time.Now(),
			})
		}

		if err := c.d.Hooks.RunSync(ctx, hooks.PreTask, c.hookEnv(task.ID, task.Title, "")); err != nil {
			c.releaseTask(task.ID, "pre-task hook failed")
			return ReasonHookFailure, err
		}

		failed, stopReason, err := c.executeTask(ctx, task)
		if stopReason != "" {
			return stopReason, err
		}
		if failed && c.d.Config.FailurePolicy == config.FailStop {
			return ReasonTaskFailed, nil
		}
	}
}

// executeTask drives EXECUTING/EVALUATING/COMMITTING/RETRYING for one task.
// failed reports a terminal task failure; a non-empty stopReason ends the
// whole run.
func (c *Controller) executeTask(ctx context.Context, task *backlog.Task) (failed bool, stopReason string, err error) {
	taskCtx := ctx
	if c.d.Config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, c.d.Config.TaskTimeout)
		defer cancel()
	}

	var failure *prompt.FailureContext

	for !c.d.Monitor.TaskBudgetExhausted(task.ID) {
		admit, breakerErr := c.d.Monitor.Breaker().Allow()
		if breakerErr != nil {
			return c.handleOpenBreaker(ctx, task)
		}

		attempt := c.d.Monitor.TaskAttempts(task.ID) + 1
		for _, w := range c.d.Monitor.RecordIteration(task.ID) {
			c.publishWarning(w)
		}

		verdict, result, commitHash, iterErr := c.runIteration(taskCtx, task, attempt, failure)
		if iterErr != nil {
			admit(false)
			if ctx.Err() != nil || errors.Is(iterErr, context.Canceled) {
				c.releaseTask(task.ID, "run cancelled mid-attempt")
				return false, ReasonCancelled, nil
			}
			var stateErr *gitstate.StateError
			if errors.As(iterErr, &stateErr) {
				c.releaseTask(task.ID, "git state error: "+stateErr.Detail)
				return false, ReasonGitState, iterErr
			}
			return false, ReasonDataIntegrity, iterErr
		}

		c.d.Session.Record(IterationRecord{
			TaskID:    task.ID,
			Attempt:   attempt,
			Class:     string(verdict.Class),
			Signature: verdict.Signature,
			Commit:    commitHash,
			Tokens:    result.Tokens.Total(),
			Duration:  result.Duration,
		})
		if c.d.Bus != nil {
			c.d.Bus.Publish(events.TopicTask, events.TaskIterationEvent{
				ID:        task.ID,
				Attempt:   attempt,
				Class:     string(verdict.Class),
				Signature: verdict.Signature,
				Duration:  result.Duration,
				Tokens:    result.Tokens.Total(),
				Timestamp: time.Now(),
			})
		}

		if verdict.Class == guardrail.ClassStagnation {
			c.d.Monitor.Breaker().NoteStagnation(verdict.StagnationReason)
		}
		// Only stagnant iterations count against the breaker; a failing
		// attempt that still moved files is not stagnation.
		admit(verdict.Class != guardrail.ClassStagnation)

		switch verdict.Class {
		case guardrail.ClassSuccess:
			if err := c.closeTask(ctx, task, attempt, commitHash); err != nil {
				return false, ReasonGitState, err
			}
			return false, "", nil

		case guardrail.ClassHardFailure:
			c.failTask(task, "protected paths touched: "+strings.Join(verdict.ProtectedHits, ", "))
			return true, "", nil

		default:
			// Soft failure or stagnation: carry the evidence into the next
			// attempt's prompt.
			failure = &prompt.FailureContext{
				AttemptNumber:  attempt,
				ErrorSignature: verdict.Signature,
				KeyErrors:      verdict.KeyErrors,
				Reason:         failureReason(verdict),
			}
		}
	}

	note := fmt.Sprintf("attempts exhausted after %d iterations", c.d.Monitor.TaskAttempts(task.ID))
	if c.d.Monitor.Breaker().State() == "open" {
		// The final budgeted attempt tripped the breaker. The action
		// belongs to this task; settling here keeps the open state from
		// carrying over to the next selection.
		return c.settleTrippedBreaker(ctx, task, note)
	}
	c.failTask(task, note)
	return true, "", nil
}

// settleTrippedBreaker applies the breaker action to the task whose final
// attempt opened the circuit, then resets the circuit so the tasks that
// follow start clean.
func (c *Controller) settleTrippedBreaker(ctx context.Context, task *backlog.Task, note string) (failed bool, stopReason string, err error) {
	breaker := c.d.Monitor.Breaker()
	c.publishBreakerState(task.ID)

	switch breaker.Action() {
	case config.ActionAbort:
		c.failTask(task, note)
		return true, ReasonBreakerAbort, nil

	case config.ActionPause:
		c.failTask(task, note)
		select {
		case <-ctx.Done():
			return true, ReasonCancelled, nil
		case <-time.After(c.d.Config.Guardrails.BreakerCooldown):
		}
		breaker.Reset()
		return true, "", nil

	default:
		c.parkTask(task, "blocked by circuit breaker: "+note)
		if breaker.Action() == config.ActionAlert {
			env := c.hookEnv(task.ID, task.Title, string(backlog.StatusBlocked))
			env.Detail = "circuit breaker open"
			c.d.Hooks.FireAsync(hooks.OnError, env)
		}
		breaker.Reset()
		return true, "", nil
	}
}

// iterationVerdict extends the guardrail verdict with evidence the prompt
// composer and the notes need.
type iterationVerdict struct {
	guardrail.Verdict
	KeyErrors     []string
	ProtectedHits []string
}

// runIteration performs one harness invocation and evaluates the evidence.
// commitHash is non-empty only on success.
func (c *Controller) runIteration(ctx context.Context, task *backlog.Task, attempt int, failure *prompt.FailureContext) (iterationVerdict, harness.InvocationResult, string, error) {
	snap, err := c.d.Git.Snapshot()
	if err != nil {
		return iterationVerdict{}, harness.InvocationResult{}, "", err
	}
	headBefore := snap.Head

	name, exec, opts, err := c.executorFor(task)
	if err != nil {
		return iterationVerdict{}, harness.InvocationResult{}, "", err
	}

	instructions := c.d.Instructions
	if hcfg, ok := c.d.Config.Harnesses[name]; ok && hcfg.SystemPrompt != "" {
		instructions = hcfg.SystemPrompt
	}

	bundle := prompt.Compose(prompt.Anchor{
		Instructions: instructions,
		Task:         task,
		Git:          snap,
		Failure:      failure,
	})

	result, invokeErr := exec.Invoke(ctx, bundle, opts)
	if invokeErr != nil && (ctx.Err() != nil || errors.Is(invokeErr, context.Canceled)) {
		return iterationVerdict{}, result, "", invokeErr
	}

	headAfter, err := c.d.Git.Head()
	if err != nil {
		return iterationVerdict{}, result, "", err
	}
	changed, err := c.d.Git.ChangedFiles()
	if err != nil {
		return iterationVerdict{}, result, "", err
	}

	errorText := result.Stderr
	if invokeErr != nil {
		errorText = invokeErr.Error() + "\n" + errorText
		if result.ExitCode == 0 {
			result.ExitCode = 1
		}
	}

	ev := guardrail.Evidence{
		TaskID:            task.ID,
		ExitCode:          result.ExitCode,
		TimedOut:          result.TimedOut,
		Output:            result.Output,
		ErrorText:         errorText,
		DiffEmpty:         len(changed) == 0 && headAfter == headBefore,
		ChecksPassed:      true,
		CompletionClaimed: strings.Contains(result.Output, prompt.CompletionSentinel),
		ProtectedPathHits: c.d.Monitor.PathViolations(changed),
	}
	verdict := iterationVerdict{
		Verdict:       c.d.Monitor.Observe(ev),
		KeyErrors:     guardrail.KeyErrorLines(errorText, 5),
		ProtectedHits: ev.ProtectedPathHits,
	}

	var commitHash string
	if verdict.Class == guardrail.ClassSuccess {
		if len(changed) > 0 {
			commitHash, err = c.d.Git.CommitTask(task.ID, task.Title, attempt)
			if err != nil {
				return verdict, result, "", err
			}
		} else {
			// The harness committed its own work; the advanced head is the
			// task commit.
			commitHash = headAfter
		}
	}

	c.writeArtifacts(task, attempt, bundle, result, verdict, commitHash)
	return verdict, result, commitHash, nil
}

func (c *Controller) writeArtifacts(task *backlog.Task, attempt int, bundle harness.PromptBundle, result harness.InvocationResult, verdict iterationVerdict, commitHash string) {
	if c.d.Artifacts == nil {
		return
	}
	diff, err := c.d.Git.DiffPatch()
	if err != nil {
		log.Printf("failed to capture diff for artifacts: %v", err)
	}
	it := artifacts.Iteration{
		Prompt: bundle.System + "\n\n---\n\n" + bundle.User,
		Output: result.Output + "\n\n--- stderr ---\n" + result.Stderr,
		Diff:   diff,
		Outcome: artifacts.Outcome{
			TaskID:           task.ID,
			Attempt:          attempt,
			Class:            string(verdict.Class),
			StagnationReason: verdict.StagnationReason,
			Signature:        verdict.Signature,
			ExitCode:         result.ExitCode,
			TimedOut:         result.TimedOut,
			InputTokens:      result.Tokens.Input,
			OutputTokens:     result.Tokens.Output,
			TokensEstimated:  result.Tokens.Estimated,
			Duration:         result.Duration,
			Commit:           commitHash,
		},
	}
	if err := c.d.Artifacts.WriteIteration(it); err != nil {
		log.Printf("failed to write iteration artifacts: %v", err)
	}
}

// closeTask transitions a succeeded task to closed and fires the post-task
// hooks and events.
func (c *Controller) closeTask(ctx context.Context, task *backlog.Task, attempt int, commitHash string) error {
	if err := c.d.Backlog.UpdateStatus(ctx, task.ID, backlog.StatusClosed); err != nil {
		return fmt.Errorf("failed to close task %s: %w", task.ID, err)
	}
	c.d.Session.TaskCompleted(task.ID)
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.TopicTask, events.TaskCommittedEvent{
			ID:        task.ID,
			Commit:    commitHash,
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
	}
	c.d.Hooks.FireAsync(hooks.PostTask, c.hookEnv(task.ID, task.Title, string(backlog.StatusClosed)))
	return nil
}

// failTask transitions a task to failed with an operator-visible note.
func (c *Controller) failTask(task *backlog.Task, note string) {
	ctx := context.Background()
	if err := c.d.Backlog.UpdateStatus(ctx, task.ID, backlog.StatusFailed); err != nil {
		log.Printf("failed to mark task %s failed: %v", task.ID, err)
	}
	if err := c.d.Backlog.AddNote(ctx, task.ID, note); err != nil {
		log.Printf("failed to add note to task %s: %v", task.ID, err)
	}
	c.d.Session.TaskFailed(task.ID)
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Reason:    note,
			Attempts:  c.d.Monitor.TaskAttempts(task.ID),
			Timestamp: time.Now(),
		})
	}
	env := c.hookEnv(task.ID, task.Title, string(backlog.StatusFailed))
	env.Detail = note
	c.d.Hooks.FireAsync(hooks.OnError, env)
	c.d.Hooks.FireAsync(hooks.PostTask, env)
}

// releaseTask puts an in-progress task back to open so a cancelled or
// interrupted run never strands it.
func (c *Controller) releaseTask(taskID, note string) {
	ctx := context.Background()
	if err := c.d.Backlog.UpdateStatus(ctx, taskID, backlog.StatusOpen); err != nil {
		log.Printf("failed to release task %s: %v", taskID, err)
		return
	}
	if err := c.d.Backlog.AddNote(ctx, taskID, note); err != nil {
		log.Printf("failed to add note to task %s: %v", taskID, err)
	}
}

// parkTask transitions a task to blocked with an operator-visible note.
func (c *Controller) parkTask(task *backlog.Task, note string) {
	if err := c.d.Backlog.UpdateStatus(context.Background(), task.ID, backlog.StatusBlocked); err != nil {
		log.Printf("failed to block task %s: %v", task.ID, err)
	}
	if err := c.d.Backlog.AddNote(context.Background(), task.ID, note); err != nil {
		log.Printf("failed to add note to task %s: %v", task.ID, err)
	}
}

// handleOpenBreaker applies the configured breaker action when Allow
// refuses an iteration.
func (c *Controller) handleOpenBreaker(ctx context.Context, task *backlog.Task) (failed bool, stopReason string, err error) {
	action := c.d.Monitor.Breaker().Action()
	c.publishBreakerState(task.ID)

	switch action {
	case config.ActionAbort:
		c.releaseTask(task.ID, "run aborted by circuit breaker")
		return false, ReasonBreakerAbort, nil

	case config.ActionPause:
		log.Printf("circuit breaker open, pausing %s before retrying task %s", c.d.Config.Guardrails.BreakerCooldown, task.ID)
		select {
		case <-ctx.Done():
			c.releaseTask(task.ID, "run cancelled while breaker was open")
			return false, ReasonCancelled, nil
		case <-time.After(c.d.Config.Guardrails.BreakerCooldown):
		}
		// Cooldown elapsed; the breaker admits a half-open trial on the
		// next Allow. Put the task back and reselect.
		c.releaseTask(task.ID, "breaker cooldown elapsed, task requeued")
		return false, "", nil

	default:
		// Alert and escalate both park the task for an operator; alert
		// additionally fires the error hooks.
		c.parkTask(task, "blocked by circuit breaker")
		if action == config.ActionAlert {
			env := c.hookEnv(task.ID, task.Title, string(backlog.StatusBlocked))
			env.Detail = "circuit breaker open"
			c.d.Hooks.FireAsync(hooks.OnError, env)
		}
		// The stagnating task is out of rotation; its evidence must not
		// block the tasks that follow.
		c.d.Monitor.Breaker().Reset()
		return false, "", nil
	}
}

func (c *Controller) publishBreakerState(taskID string) {
	if c.d.Bus == nil {
		return
	}
	c.d.Bus.Publish(events.TopicGuardrail, events.BreakerStateEvent{
		ID:        taskID,
		State:     c.d.Monitor.Breaker().State(),
		Action:    string(c.d.Monitor.Breaker().Action()),
		Timestamp: time.Now(),
	})
}

func (c *Controller) publishWarning(w guardrail.Warning) {
	log.Print(w.String())
	if c.d.Bus != nil {
		c.d.Bus.Publish(events.TopicGuardrail, events.GuardrailWarningEvent{
			Counter:   w.Counter,
			Current:   w.Current,
			Ceiling:   w.Ceiling,
			Timestamp: time.Now(),
		})
	}
	env := c.hookEnv("", "", "")
	env.Detail = w.String()
	c.d.Hooks.FireAsync(hooks.OnBudgetWarning, env)
}

// executorFor resolves the harness for a task and returns its configured
// name. A model hint naming a configured harness selects it; any other hint
// becomes a model override on the default harness.
func (c *Controller) executorFor(task *backlog.Task) (string, Executor, harness.Options, error) {
	if task.ModelHint != "" {
		if exec, ok := c.d.Executors[task.ModelHint]; ok {
			return task.ModelHint, exec, harness.Options{}, nil
		}
		name, exec, err := c.defaultExecutor()
		if err != nil {
			return "", nil, harness.Options{}, err
		}
		return name, exec, harness.Options{Model: task.ModelHint}, nil
	}
	name, exec, err := c.defaultExecutor()
	return name, exec, harness.Options{}, err
}

func (c *Controller) defaultExecutor() (string, Executor, error) {
	for _, name := range c.d.Config.HarnessPriority {
		if exec, ok := c.d.Executors[name]; ok {
			return name, exec, nil
		}
	}
	for name, exec := range c.d.Executors {
		return name, exec, nil
	}
	return "", nil, errors.New("no harness configured")
}

func failureReason(v iterationVerdict) string {
	if v.Class == guardrail.ClassStagnation {
		return v.StagnationReason
	}
	return string(v.Class)
}

func (c *Controller) hookEnv(taskID, taskTitle, status string) hooks.Env {
	return hooks.Env{
		SessionID: c.d.Session.ID,
		TaskID:    taskID,
		TaskTitle: taskTitle,
		Status:    status,
		RepoPath:  c.d.Git.RepoPath(),
	}
}
