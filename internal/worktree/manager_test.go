package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// setupTestRepo creates a temporary git repository with one commit on main.
func setupTestRepo(t *testing.T) string {
	t.Helper()

	repoPath := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.name", "Test User"},
		{"config", "user.email", "test@example.com"},
		{"checkout", "-b", "main"},
	} {
		runGit(t, repoPath, args...)
	}

	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test Repo\n"), 0644); err != nil {
		t.Fatalf("failed to write initial file: %v", err)
	}
	runGit(t, repoPath, "add", ".")
	runGit(t, repoPath, "commit", "-m", "initial commit")

	return repoPath
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s failed: %v (output: %s)", strings.Join(args, " "), err, string(output))
	}
}

func TestCreateAndRemove(t *testing.T) {
	repo := setupTestRepo(t)
	m := NewManager(Config{RepoPath: repo, BaseBranch: "main"})

	info, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Branch != "taskpilot/task-1" {
		t.Errorf("branch = %q, want taskpilot/task-1", info.Branch)
	}
	if info.Head == "" {
		t.Error("head is empty")
	}
	if _, err := os.Stat(info.Path); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}

	// Commit work in the worktree, then remove it. The branch must survive.
	if err := os.WriteFile(filepath.Join(info.Path, "work.txt"), []byte("done\n"), 0644); err != nil {
		t.Fatalf("write work file: %v", err)
	}
	runGit(t, info.Path, "add", ".")
	runGit(t, info.Path, "commit", "-m", "task work")

	if err := m.Remove(info); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Error("worktree dir still exists after Remove")
	}

	branches := exec.Command("git", "branch", "--list", info.Branch)
	branches.Dir = repo
	output, err := branches.CombinedOutput()
	if err != nil {
		t.Fatalf("git branch: %v", err)
	}
	if !strings.Contains(string(output), info.Branch) {
		t.Error("task branch deleted by Remove")
	}
}

func TestDiscard(t *testing.T) {
	repo := setupTestRepo(t)
	m := NewManager(Config{RepoPath: repo, BaseBranch: "main"})

	info, err := m.Create("task-2")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Leave uncommitted changes behind; Discard must still succeed.
	if err := os.WriteFile(filepath.Join(info.Path, "scratch.txt"), []byte("partial\n"), 0644); err != nil {
		t.Fatalf("write scratch file: %v", err)
	}

	if err := m.Discard(info); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	branches := exec.Command("git", "branch", "--list", info.Branch)
	branches.Dir = repo
	output, err := branches.CombinedOutput()
	if err != nil {
		t.Fatalf("git branch: %v", err)
	}
	if strings.Contains(string(output), info.Branch) {
		t.Error("task branch survived Discard")
	}
}

func TestListTagsTaskWorktrees(t *testing.T) {
	repo := setupTestRepo(t)
	m := NewManager(Config{RepoPath: repo, BaseBranch: "main"})

	if _, err := m.Create("task-3"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	worktrees, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// Primary worktree plus the task worktree.
	if len(worktrees) != 2 {
		t.Fatalf("got %d worktrees, want 2: %+v", len(worktrees), worktrees)
	}

	var tagged int
	for _, wt := range worktrees {
		if wt.TaskID == "task-3" {
			tagged++
		}
	}
	if tagged != 1 {
		t.Errorf("tagged %d worktrees with task-3, want 1", tagged)
	}
}

func TestPrune(t *testing.T) {
	repo := setupTestRepo(t)
	m := NewManager(Config{RepoPath: repo, BaseBranch: "main"})

	info, err := m.Create("task-4")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate a crashed run by deleting the directory behind git's back.
	if err := os.RemoveAll(info.Path); err != nil {
		t.Fatalf("remove worktree dir: %v", err)
	}

	if err := m.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}
}
