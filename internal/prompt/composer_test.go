package prompt

import (
	"strings"
	"testing"

	"github.com/taskpilot/taskpilot/internal/backlog"
)

func testTask() *backlog.Task {
	return &backlog.Task{
		ID:          "task-1",
		Type:        "feature",
		Title:       "add retry logic",
		Description: "wrap the client call in a retry",
		AcceptanceCriteria: []string{
			"transient errors are retried",
			"permanent errors are not",
		},
		Priority: 1,
	}
}

func TestComposeFirstAttempt(t *testing.T) {
	bundle := Compose(Anchor{
		Instructions: "house rules",
		Task:         testTask(),
		Git:          GitSnapshot{Branch: "main", Head: "abc1234"},
	})

	if bundle.System != "house rules" {
		t.Errorf("system prompt = %q", bundle.System)
	}
	for _, want := range []string{
		"task-1", "add retry logic",
		"1. transient errors are retried",
		"2. permanent errors are not",
		"Branch: main",
		"Working tree: clean",
		CompletionSentinel,
	} {
		if !strings.Contains(bundle.User, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
	if strings.Contains(bundle.User, "Previous attempt") {
		t.Error("first attempt carries a failure section")
	}
}

func TestComposeFailureFirst(t *testing.T) {
	bundle := Compose(Anchor{
		Task: testTask(),
		Git:  GitSnapshot{Branch: "main"},
		Failure: &FailureContext{
			AttemptNumber:  1,
			ErrorSignature: "FAIL: expected #, got #",
			KeyErrors:      []string{"FAIL: TestRetry"},
			Reason:         "soft_failure",
		},
	})

	failureIdx := strings.Index(bundle.User, "Previous attempt failed")
	taskIdx := strings.Index(bundle.User, "add retry logic")
	if failureIdx < 0 || taskIdx < 0 {
		t.Fatalf("prompt missing sections:\n%s", bundle.User)
	}
	if failureIdx > taskIdx {
		t.Error("failure evidence appears after the task section")
	}
	if !strings.Contains(bundle.User, "FAIL: TestRetry") {
		t.Error("key error lines missing")
	}
}

func TestComposeDirtyTreeAndChangedFiles(t *testing.T) {
	bundle := Compose(Anchor{
		Task: testTask(),
		Git: GitSnapshot{
			Branch:       "main",
			Dirty:        true,
			DiffStat:     " client.go | 4 ++--",
			ChangedFiles: []string{"client.go"},
		},
	})

	for _, want := range []string{"Working tree: dirty", "client.go | 4", "- client.go"} {
		if !strings.Contains(bundle.User, want) {
			t.Errorf("user prompt missing %q", want)
		}
	}
}

func TestComposeIsPure(t *testing.T) {
	anchor := Anchor{
		Task: testTask(),
		Git:  GitSnapshot{Branch: "main", Head: "abc1234"},
		Failure: &FailureContext{
			AttemptNumber:  2,
			ErrorSignature: "panic: nil deref",
		},
	}

	first := Compose(anchor)
	second := Compose(anchor)
	if first != second {
		t.Error("same anchor produced different bundles")
	}
}
