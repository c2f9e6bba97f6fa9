package harness

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// scriptedBackend returns queued results and records what it was invoked
// with.
type scriptedBackend struct {
	name    string
	caps    CapabilitySet
	results []InvocationResult
	errs    []error
	calls   int
	bundles []PromptBundle
}

func (s *scriptedBackend) Name() string                { return s.name }
func (s *scriptedBackend) Capabilities() CapabilitySet { return s.caps }
func (s *scriptedBackend) Close() error                { return nil }

func (s *scriptedBackend) Invoke(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	s.bundles = append(s.bundles, bundle)
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.results[i], err
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      200 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func TestInvokeConcatenatesWithoutSystemPromptSupport(t *testing.T) {
	backend := &scriptedBackend{
		name:    "goose",
		caps:    CapabilitySet{CapAutoMode: true},
		results: []InvocationResult{{Output: "ok"}},
	}
	inv := NewInvoker(backend, 0, 4)

	bundle := PromptBundle{System: "rules", User: "do the task"}
	if _, err := inv.Invoke(context.Background(), bundle, Options{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	got := backend.bundles[0]
	if got.System != "" {
		t.Errorf("system prompt passed to backend without separation support: %q", got.System)
	}
	if !strings.HasPrefix(got.User, "rules") || !strings.Contains(got.User, "do the task") {
		t.Errorf("concatenated prompt = %q", got.User)
	}
}

func TestInvokePreservesSystemPromptWithSupport(t *testing.T) {
	backend := &scriptedBackend{
		name:    "claude",
		caps:    CapabilitySet{CapSystemPromptSeparation: true},
		results: []InvocationResult{{Output: "ok"}},
	}
	inv := NewInvoker(backend, 0, 4)

	bundle := PromptBundle{System: "rules", User: "do the task"}
	if _, err := inv.Invoke(context.Background(), bundle, Options{}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := backend.bundles[0]; got.System != "rules" || got.User != "do the task" {
		t.Errorf("bundle = %+v, want unchanged", got)
	}
}

func TestTokenEstimationWhenNotReported(t *testing.T) {
	output := strings.Repeat("x", 400)
	backend := &scriptedBackend{
		name:    "codex",
		caps:    CapabilitySet{CapStreaming: true},
		results: []InvocationResult{{Output: output}},
	}
	inv := NewInvoker(backend, 0, 4)

	user := strings.Repeat("p", 200)
	result, err := inv.Invoke(context.Background(), PromptBundle{User: user}, Options{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !result.Tokens.Estimated {
		t.Error("tokens not marked estimated")
	}
	if result.Tokens.Input != 50 {
		t.Errorf("input tokens = %d, want 50", result.Tokens.Input)
	}
	if result.Tokens.Output != 100 {
		t.Errorf("output tokens = %d, want 100", result.Tokens.Output)
	}
}

func TestExactTokensPreserved(t *testing.T) {
	backend := &scriptedBackend{
		name:    "claude",
		caps:    CapabilitySet{CapTokenReporting: true},
		results: []InvocationResult{{Output: "ok", Tokens: TokenUsage{Input: 1234, Output: 567}}},
	}
	inv := NewInvoker(backend, 0, 4)

	result, err := inv.Invoke(context.Background(), PromptBundle{User: "task"}, Options{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.Tokens.Estimated {
		t.Error("reported tokens marked estimated")
	}
	if result.Tokens.Input != 1234 || result.Tokens.Output != 567 {
		t.Errorf("tokens = %+v", result.Tokens)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	backend := &scriptedBackend{
		name: "claude",
		caps: CapabilitySet{},
		results: []InvocationResult{
			{Stderr: "429 rate limit exceeded", ExitCode: 1},
			{Output: "ok"},
		},
		errs: []error{errors.New("rate limit exceeded"), nil},
	}
	inv := NewInvoker(backend, 0, 4)
	inv.SetRetryConfig(fastRetry())

	result, err := inv.Invoke(context.Background(), PromptBundle{User: "task"}, Options{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if backend.calls != 2 {
		t.Errorf("backend invoked %d times, want 2", backend.calls)
	}
	if result.Output != "ok" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	backend := &scriptedBackend{
		name:    "claude",
		caps:    CapabilitySet{},
		results: []InvocationResult{{Stderr: "FAIL: tests failed", ExitCode: 1}},
		errs:    []error{errors.New("exit status 1")},
	}
	inv := NewInvoker(backend, 0, 4)
	inv.SetRetryConfig(fastRetry())

	if _, err := inv.Invoke(context.Background(), PromptBundle{User: "task"}, Options{}); err == nil {
		t.Fatal("expected error")
	}
	if backend.calls != 1 {
		t.Errorf("backend invoked %d times, want 1", backend.calls)
	}
}

func TestStreamClosedForNonStreamingBackend(t *testing.T) {
	backend := &scriptedBackend{
		name:    "goose",
		caps:    CapabilitySet{CapAutoMode: true},
		results: []InvocationResult{{Output: "ok"}},
	}
	inv := NewInvoker(backend, 0, 4)

	stream := make(chan string, 1)
	if _, err := inv.Invoke(context.Background(), PromptBundle{User: "task"}, Options{Stream: stream}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if _, ok := <-stream; ok {
		t.Error("stream channel not closed for non-streaming backend")
	}
}

func TestCapabilitySets(t *testing.T) {
	tests := []struct {
		name string
		caps CapabilitySet
		has  Capability
		want bool
	}{
		{"present", CapabilitySet{CapStreaming: true}, CapStreaming, true},
		{"absent", CapabilitySet{CapStreaming: true}, CapModelSelection, false},
		{"empty", CapabilitySet{}, CapAutoMode, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.caps.Has(tt.has); got != tt.want {
				t.Errorf("Has(%s) = %v, want %v", tt.has, got, tt.want)
			}
		})
	}
}
