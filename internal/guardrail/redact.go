package guardrail

import (
	"fmt"
	"regexp"
)

// Placeholder replaces redacted values in persisted and logged text.
const Placeholder = "[REDACTED]"

// Redactor strips secret values from text before it is persisted or logged.
// Matching is case-insensitive on the configured key names; the key itself is
// preserved so operators can still see what was set.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor compiles redaction patterns for the given key names. Each key
// matches assignments of the forms `key=value`, `key: value`, and
// `"key": "value"`, including prefixed/suffixed key names (e.g. MY_API_KEY
// for the key "api_key").
func NewRedactor(keys []string) (*Redactor, error) {
	patterns := make([]*regexp.Regexp, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		expr := fmt.Sprintf(`(?i)([\w.-]*%s[\w.-]*["']?\s*[:=]\s*["']?)([^\s"',;&]+)`, regexp.QuoteMeta(key))
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compiling redaction pattern for %q: %w", key, err)
		}
		patterns = append(patterns, re)
	}
	return &Redactor{patterns: patterns}, nil
}

// Redact returns text with every matched secret value replaced by the
// placeholder. Key names survive; values never do.
func (r *Redactor) Redact(text string) string {
	for _, re := range r.patterns {
		text = re.ReplaceAllString(text, "${1}"+Placeholder)
	}
	return text
}
