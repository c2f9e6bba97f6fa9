// Package prompt builds the anchored prompt for each iteration.
//
// Anchoring means the authoritative context (static instructions, the task
// snapshot, and the git snapshot) is re-injected every iteration. Compose is
// a pure function of its input: same anchor, same bundle, no hidden state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/taskpilot/taskpilot/internal/backlog"
	"github.com/taskpilot/taskpilot/internal/harness"
)

// GitSnapshot is the repository state injected into the prompt.
type GitSnapshot struct {
	Branch       string
	Head         string
	DiffStat     string
	ChangedFiles []string
	Dirty        bool
}

// FailureContext carries evidence from a prior failed attempt so the next
// iteration addresses it instead of repeating it.
type FailureContext struct {
	AttemptNumber  int
	ErrorSignature string
	KeyErrors      []string // high-signal lines from the failure output
	Reason         string   // classification of the prior attempt
}

// Anchor is everything Compose needs. It contains no references back into
// loop state; the composer only reads it.
type Anchor struct {
	Instructions string // static system instructions
	Task         *backlog.Task
	Git          GitSnapshot
	Failure      *FailureContext // nil on a first attempt
}

// CompletionSentinel is the phrase the harness is instructed to emit when it
// considers the task done. Its presence alone is a claim, not evidence.
const CompletionSentinel = "TASK_COMPLETE"

// Compose renders the anchored prompt bundle for one iteration.
func Compose(anchor Anchor) harness.PromptBundle {
	var b strings.Builder

	if anchor.Failure != nil {
		writeFailureSection(&b, anchor.Failure)
	}

	writeTaskSection(&b, anchor.Task)
	writeGitSection(&b, anchor.Git)

	b.WriteString("## Completion\n\n")
	b.WriteString("Commit your work with a descriptive message. When every acceptance criterion is met, end your reply with the line:\n\n")
	b.WriteString(CompletionSentinel)
	b.WriteString("\n")

	return harness.PromptBundle{
		System: anchor.Instructions,
		User:   b.String(),
	}
}

func writeTaskSection(b *strings.Builder, task *backlog.Task) {
	fmt.Fprintf(b, "## Task %s: %s\n\n", task.ID, task.Title)
	if task.Type != "" {
		fmt.Fprintf(b, "Type: %s\n", task.Type)
	}
	fmt.Fprintf(b, "Priority: %d\n\n", task.Priority)

	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}

	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("### Acceptance criteria\n\n")
		for i, criterion := range task.AcceptanceCriteria {
			fmt.Fprintf(b, "%d. %s\n", i+1, criterion)
		}
		b.WriteString("\n")
	}
}

func writeGitSection(b *strings.Builder, git GitSnapshot) {
	b.WriteString("## Repository state\n\n")
	if git.Branch != "" {
		fmt.Fprintf(b, "Branch: %s\n", git.Branch)
	}
	if git.Head != "" {
		fmt.Fprintf(b, "HEAD: %s\n", git.Head)
	}
	if git.Dirty {
		b.WriteString("Working tree: dirty\n")
	} else {
		b.WriteString("Working tree: clean\n")
	}
	if git.DiffStat != "" {
		b.WriteString("\n```\n")
		b.WriteString(strings.TrimRight(git.DiffStat, "\n"))
		b.WriteString("\n```\n")
	}
	if len(git.ChangedFiles) > 0 {
		b.WriteString("\nChanged files:\n")
		for _, f := range git.ChangedFiles {
			fmt.Fprintf(b, "- %s\n", f)
		}
	}
	b.WriteString("\n")
}

// writeFailureSection renders prior-attempt evidence first so it is
// addressed before new work.
func writeFailureSection(b *strings.Builder, failure *FailureContext) {
	b.WriteString("## Previous attempt failed\n\n")
	b.WriteString("**Address these issues before anything else.**\n\n")
	fmt.Fprintf(b, "- Attempt: %d\n", failure.AttemptNumber)
	if failure.Reason != "" {
		fmt.Fprintf(b, "- Outcome: %s\n", failure.Reason)
	}
	if failure.ErrorSignature != "" {
		fmt.Fprintf(b, "- Error signature: `%s`\n", failure.ErrorSignature)
	}
	b.WriteString("\n")

	if len(failure.KeyErrors) > 0 {
		b.WriteString("Key errors:\n\n```\n")
		for _, line := range failure.KeyErrors {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("```\n\n")
	}

	if failure.AttemptNumber >= 2 {
		b.WriteString("State your diagnosis of why the previous fix failed and what you will do differently, then proceed.\n\n")
	}
}
