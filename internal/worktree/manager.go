// Package worktree isolates parallel workers in git worktrees. Each claimed
// task gets its own working tree on its own branch; accepted work stays on
// the branch for later review or merge.
package worktree

import (
	"bufio"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

const branchPrefix = "taskpilot/"

// Info describes a created worktree.
type Info struct {
	Path   string // absolute path to the worktree directory
	Branch string // branch name, e.g. "taskpilot/task-123"
	TaskID string
	Head   string // HEAD commit at creation
}

// Config configures the worktree manager.
type Config struct {
	RepoPath    string // absolute path to the primary repository
	BaseBranch  string // branch new worktrees start from
	WorktreeDir string // directory under the repo for worktrees (default ".taskpilot/worktrees")
}

// Manager creates and removes git worktrees for parallel task execution.
type Manager struct {
	cfg Config
}

// NewManager creates a worktree manager.
func NewManager(cfg Config) *Manager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".taskpilot", "worktrees")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return &Manager{cfg: cfg}
}

// Create adds a worktree for the task on a fresh branch off the base branch.
func (m *Manager) Create(taskID string) (*Info, error) {
	branch := branchPrefix + taskID
	path := filepath.Join(m.cfg.RepoPath, m.cfg.WorktreeDir, taskID)

	cmd := exec.Command("git", "worktree", "add", "-b", branch, path, m.cfg.BaseBranch)
	cmd.Dir = m.cfg.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to create worktree: %w (output: %s)", err, string(output))
	}

	headCmd := exec.Command("git", "rev-parse", "HEAD")
	headCmd.Dir = path
	headOutput, err := headCmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD commit: %w (output: %s)", err, string(headOutput))
	}

	return &Info{
		Path:   path,
		Branch: branch,
		TaskID: taskID,
		Head:   strings.TrimSpace(string(headOutput)),
	}, nil
}

// Remove deletes the worktree directory but keeps the branch, so completed
// work survives worker teardown.
func (m *Manager) Remove(info *Info) error {
	cmd := exec.Command("git", "worktree", "remove", info.Path)
	cmd.Dir = m.cfg.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		forceCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
		forceCmd.Dir = m.cfg.RepoPath
		if forceOutput, forceErr := forceCmd.CombinedOutput(); forceErr != nil {
			return fmt.Errorf("worktree remove failed: %v (output: %s, force output: %s)",
				err, string(output), string(forceOutput))
		}
	}
	return nil
}

// Discard removes the worktree and force-deletes its branch, abandoning any
// uncommitted or unmerged work.
func (m *Manager) Discard(info *Info) error {
	var errs []string

	removeCmd := exec.Command("git", "worktree", "remove", "--force", info.Path)
	removeCmd.Dir = m.cfg.RepoPath
	if output, err := removeCmd.CombinedOutput(); err != nil {
		errs = append(errs, fmt.Sprintf("worktree remove failed: %v (output: %s)", err, string(output)))
	}

	branchCmd := exec.Command("git", "branch", "-D", info.Branch)
	branchCmd.Dir = m.cfg.RepoPath
	if output, err := branchCmd.CombinedOutput(); err != nil {
		errs = append(errs, fmt.Sprintf("branch delete failed: %v (output: %s)", err, string(output)))
	}

	if len(errs) > 0 {
		return fmt.Errorf("discard errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// List returns the repository's worktrees, tagging those created by this
// tool with their task IDs.
func (m *Manager) List() ([]Info, error) {
	cmd := exec.Command("git", "worktree", "list", "--porcelain")
	cmd.Dir = m.cfg.RepoPath
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w (output: %s)", err, string(output))
	}

	var worktrees []Info
	var current Info

	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
			if strings.HasPrefix(current.Branch, branchPrefix) {
				current.TaskID = strings.TrimPrefix(current.Branch, branchPrefix)
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees, nil
}

// Prune cleans up stale worktree metadata left behind by crashed runs.
func (m *Manager) Prune() error {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = m.cfg.RepoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w (output: %s)", err, string(output))
	}
	return nil
}
