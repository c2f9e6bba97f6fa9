// Package gitstate verifies and manipulates the working tree the run
// executes in: clean-state checks before a run, change detection after each
// iteration, and structured commits of accepted work.
package gitstate

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/prompt"
)

// StateError reports a git-level fault. It is distinct from a task failure:
// a commit that cannot be created is an orchestrator problem, not evidence
// against the task.
type StateError struct {
	Op     string
	Detail string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("git state error during %s: %s", e.Op, e.Detail)
}

// Manager runs git operations against one repository working tree.
type Manager struct {
	repoPath string

	// baseline holds paths that were already dirty when the run started,
	// recorded under the ignore policy so pre-existing changes never count
	// as task progress.
	baseline map[string]bool
}

// NewManager creates a manager for the repository at repoPath.
func NewManager(repoPath string) *Manager {
	return &Manager{repoPath: repoPath, baseline: make(map[string]bool)}
}

// RepoPath returns the working tree this manager operates on.
func (m *Manager) RepoPath() string { return m.repoPath }

// git runs a git command in the repo and returns trimmed combined output.
func (m *Manager) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.repoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return strings.TrimSpace(string(output)), nil
}

// IsRepo verifies repoPath is inside a git working tree.
func (m *Manager) IsRepo() error {
	if _, err := m.git("rev-parse", "--is-inside-work-tree"); err != nil {
		return &StateError{Op: "verify", Detail: fmt.Sprintf("%s is not a git repository", m.repoPath)}
	}
	return nil
}

// VerifyClean enforces the configured clean-state policy before a run
// starts. Under CleanRequired a dirty tree is a StateError. Under
// CleanAutoCommit stray changes are committed to a checkpoint commit. Under
// CleanIgnore the dirty paths are recorded as a baseline and excluded from
// all later change detection.
func (m *Manager) VerifyClean(policy config.CleanStatePolicy) error {
	dirty, err := m.statusPaths()
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}

	switch policy {
	case config.CleanAutoCommit:
		if _, err := m.AutoCommitStray(); err != nil {
			return err
		}
		return nil
	case config.CleanIgnore:
		for _, path := range dirty {
			m.baseline[path] = true
		}
		return nil
	default:
		return &StateError{
			Op:     "precheck",
			Detail: fmt.Sprintf("working tree has %d uncommitted changes (first: %s)", len(dirty), dirty[0]),
		}
	}
}

// statusPaths returns the paths reported by git status, including untracked
// files, without applying the baseline filter.
func (m *Manager) statusPaths() ([]string, error) {
	output, err := m.git("status", "--porcelain")
	if err != nil {
		return nil, &StateError{Op: "status", Detail: err.Error()}
	}
	var paths []string
	for _, line := range strings.Split(output, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		// Renames are reported as "old -> new"; the new path is what changed.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		paths = append(paths, strings.Trim(path, `"`))
	}
	return paths, nil
}

// ChangedFiles returns paths modified since the last commit, with baseline
// paths filtered out.
func (m *Manager) ChangedFiles() ([]string, error) {
	paths, err := m.statusPaths()
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, path := range paths {
		if !m.baseline[path] {
			changed = append(changed, path)
		}
	}
	return changed, nil
}

// HasChanges reports whether the task produced any file changes.
func (m *Manager) HasChanges() (bool, error) {
	changed, err := m.ChangedFiles()
	if err != nil {
		return false, err
	}
	return len(changed) > 0, nil
}

// DiffStat returns a summary of uncommitted changes against HEAD.
func (m *Manager) DiffStat() (string, error) {
	output, err := m.git("diff", "--stat", "HEAD")
	if err != nil {
		// A repo with no commits yet has no HEAD to diff against.
		return "", nil
	}
	return output, nil
}

// DiffPatch returns the full uncommitted diff against HEAD, for the
// iteration artifact. Untracked files appear in ChangedFiles but not here.
func (m *Manager) DiffPatch() (string, error) {
	output, err := m.git("diff", "HEAD")
	if err != nil {
		return "", nil
	}
	return output, nil
}

// Branch returns the current branch name.
func (m *Manager) Branch() (string, error) {
	output, err := m.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", &StateError{Op: "branch", Detail: err.Error()}
	}
	return output, nil
}

// Head returns the short hash of the current HEAD commit.
func (m *Manager) Head() (string, error) {
	output, err := m.git("rev-parse", "--short", "HEAD")
	if err != nil {
		return "", &StateError{Op: "head", Detail: err.Error()}
	}
	return output, nil
}

// Snapshot captures the repository state injected into prompts.
func (m *Manager) Snapshot() (prompt.GitSnapshot, error) {
	branch, err := m.Branch()
	if err != nil {
		return prompt.GitSnapshot{}, err
	}
	head, err := m.Head()
	if err != nil {
		return prompt.GitSnapshot{}, err
	}
	changed, err := m.ChangedFiles()
	if err != nil {
		return prompt.GitSnapshot{}, err
	}
	diffStat, err := m.DiffStat()
	if err != nil {
		return prompt.GitSnapshot{}, err
	}
	return prompt.GitSnapshot{
		Branch:       branch,
		Head:         head,
		DiffStat:     diffStat,
		ChangedFiles: changed,
		Dirty:        len(changed) > 0,
	}, nil
}

// CommitTask stages the task's changes and commits them with a structured
// message tying the commit to the task. Baseline paths recorded under the
// ignore policy are left out, so the commit carries exactly the
// task-attributable diff. Returns the new commit's short hash.
func (m *Manager) CommitTask(taskID, title string, attempt int) (string, error) {
	changed, err := m.ChangedFiles()
	if err != nil {
		return "", err
	}
	if len(changed) == 0 {
		return "", &StateError{Op: "commit", Detail: "no task changes to commit"}
	}
	if _, err := m.git(append([]string{"add", "--"}, changed...)...); err != nil {
		return "", &StateError{Op: "commit", Detail: err.Error()}
	}
	message := fmt.Sprintf("%s\n\nTask-ID: %s\nAttempt: %d", title, taskID, attempt)
	if _, err := m.git(append([]string{"commit", "-m", message, "--"}, changed...)...); err != nil {
		return "", &StateError{Op: "commit", Detail: err.Error()}
	}
	return m.Head()
}

// AutoCommitStray commits pre-existing uncommitted changes to a checkpoint
// commit so the run starts from a clean tree.
func (m *Manager) AutoCommitStray() (string, error) {
	if _, err := m.git("add", "-A"); err != nil {
		return "", &StateError{Op: "auto-commit", Detail: err.Error()}
	}
	if _, err := m.git("commit", "-m", "checkpoint: stray changes before run"); err != nil {
		return "", &StateError{Op: "auto-commit", Detail: err.Error()}
	}
	return m.Head()
}

// CommitCount returns the number of commits reachable from HEAD but not
// from the given commit, used for the terminal run summary.
func (m *Manager) CommitCount(since string) (int, error) {
	if since == "" {
		return 0, nil
	}
	output, err := m.git("rev-list", "--count", since+"..HEAD")
	if err != nil {
		return 0, &StateError{Op: "count", Detail: err.Error()}
	}
	n, err := strconv.Atoi(output)
	if err != nil {
		return 0, &StateError{Op: "count", Detail: fmt.Sprintf("unexpected rev-list output %q", output)}
	}
	return n, nil
}
