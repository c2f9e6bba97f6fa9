package harness

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// promptSeparator joins system and task content for backends that lack
// system-prompt separation.
const promptSeparator = "\n\n---\n\n"

// defaultCharsPerToken is the fixed estimate applied when a backend does not
// report exact token usage.
const defaultCharsPerToken = 4

// transientMarkers are substrings of harness errors worth retrying before
// the failure counts as an iteration. Matching is case-insensitive.
var transientMarkers = []string{
	"rate limit",
	"overloaded",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"503",
	"529",
}

// RetryConfig configures exponential backoff for transient harness failures.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// Invoker wraps a Backend with the guarantees the loop depends on: a hard
// per-invocation timeout that kills the process group, system-prompt
// concatenation when the backend lacks separation, normalized token
// accounting, and transient-failure retry.
type Invoker struct {
	backend       Backend
	timeout       time.Duration
	charsPerToken int
	retry         RetryConfig
}

// NewInvoker creates an Invoker around the given backend.
// timeout <= 0 disables the hard ceiling; charsPerToken <= 0 uses the default.
func NewInvoker(b Backend, timeout time.Duration, charsPerToken int) *Invoker {
	if charsPerToken <= 0 {
		charsPerToken = defaultCharsPerToken
	}
	return &Invoker{
		backend:       b,
		timeout:       timeout,
		charsPerToken: charsPerToken,
		retry:         DefaultRetryConfig(),
	}
}

// SetRetryConfig overrides the transient-failure retry policy.
func (inv *Invoker) SetRetryConfig(cfg RetryConfig) { inv.retry = cfg }

// Backend returns the wrapped backend.
func (inv *Invoker) Backend() Backend { return inv.backend }

// Invoke runs the bundle through the backend. The returned result always has
// token accounting populated, marked exact or estimated, and TimedOut set
// when the hard ceiling killed the process.
func (inv *Invoker) Invoke(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error) {
	caps := inv.backend.Capabilities()

	// The adapter, not the caller, resolves missing system-prompt support.
	effective := bundle
	if bundle.System != "" && !caps.Has(CapSystemPromptSeparation) {
		effective = PromptBundle{
			User: bundle.System + promptSeparator + bundle.User,
		}
	}

	// A stream sink against a non-streaming backend is simply closed; the
	// caller still gets the aggregated result.
	if opts.Stream != nil && !caps.Has(CapStreaming) {
		close(opts.Stream)
		opts.Stream = nil
	}

	invokeCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}

	result, err := inv.invokeWithRetry(invokeCtx, effective, opts)

	if errors.Is(invokeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
	}

	inv.normalizeTokens(&result, effective)
	return result, err
}

// invokeWithRetry retries transient harness failures with exponential
// backoff. Non-transient failures and context cancellation are permanent.
func (inv *Invoker) invokeWithRetry(ctx context.Context, bundle PromptBundle, opts Options) (InvocationResult, error) {
	var result InvocationResult

	// Streaming invocations are not retried: the caller already observed
	// partial output.
	if opts.Stream != nil {
		return inv.backend.Invoke(ctx, bundle, opts)
	}

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var err error
		result, err = inv.backend.Invoke(ctx, bundle, opts)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if !isTransient(err, result.Stderr) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = inv.retry.InitialInterval
	policy.MaxInterval = inv.retry.MaxInterval
	policy.MaxElapsedTime = inv.retry.MaxElapsedTime
	policy.Multiplier = inv.retry.Multiplier
	policy.RandomizationFactor = inv.retry.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}

// normalizeTokens fills in estimated figures when the backend did not report
// exact usage. Estimates use a fixed characters-per-token ratio and are
// explicitly marked.
func (inv *Invoker) normalizeTokens(result *InvocationResult, bundle PromptBundle) {
	caps := inv.backend.Capabilities()
	reported := caps.Has(CapTokenReporting) && result.Tokens.Total() > 0
	if reported {
		result.Tokens.Estimated = false
		return
	}

	promptLen := len(bundle.System) + len(bundle.User)
	result.Tokens = TokenUsage{
		Input:     promptLen / inv.charsPerToken,
		Output:    len(result.Output) / inv.charsPerToken,
		Estimated: true,
	}
}

// isTransient reports whether the failure looks like a passing condition
// (rate limit, transport blip) rather than a task-level failure.
func isTransient(err error, stderr string) bool {
	text := strings.ToLower(err.Error() + " " + stderr)
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
