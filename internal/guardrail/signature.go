package guardrail

import (
	"regexp"
	"strings"
)

// highSignalPatterns match the lines worth keeping from harness or check
// output. Compiled at package init.
var highSignalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bFAIL\b`),
	regexp.MustCompile(`(?i)\bFAILED\b`),
	regexp.MustCompile(`(?i)\bERROR\b`),
	regexp.MustCompile(`(?i)\bpanic\b`),
	regexp.MustCompile(`(?i)\bundefined\b`),
	regexp.MustCompile(`(?i)no such file`),
	regexp.MustCompile(`\w+\.\w+:\d+`), // file:line (e.g., foo.go:42)
	regexp.MustCompile(`(?i)expected.*got`),
	regexp.MustCompile(`(?i)assertion failed`),
	regexp.MustCompile(`(?i)timed? ?out`),
}

var (
	filePositionRe = regexp.MustCompile(`:\d+(:\d+)?\b`)
	hexAddrRe      = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	digitRunRe     = regexp.MustCompile(`\b\d+\b`)
)

// NormalizeSignature reduces failure output to a stable signature: the first
// high-signal error line with line numbers, hex addresses, and other
// positional tokens stripped, so semantically identical failures compare
// equal across iterations. Returns "" for empty input.
func NormalizeSignature(text string) string {
	line := firstErrorLine(text)
	if line == "" {
		return ""
	}

	line = filePositionRe.ReplaceAllString(line, ":#")
	line = hexAddrRe.ReplaceAllString(line, "0x#")
	line = digitRunRe.ReplaceAllString(line, "#")
	line = strings.Join(strings.Fields(line), " ")
	return line
}

// firstErrorLine returns the first line matching a high-signal pattern, or
// the first non-empty line when nothing matches.
func firstErrorLine(text string) string {
	var fallback string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if fallback == "" {
			fallback = trimmed
		}
		for _, pattern := range highSignalPatterns {
			if pattern.MatchString(trimmed) {
				return trimmed
			}
		}
	}
	return fallback
}

// KeyErrorLines extracts up to maxLines high-signal lines from output, for
// feedback injected into the next attempt's prompt.
func KeyErrorLines(output string, maxLines int) []string {
	if output == "" || maxLines <= 0 {
		return nil
	}

	var result []string
	for _, line := range strings.Split(output, "\n") {
		if len(result) >= maxLines {
			break
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, pattern := range highSignalPatterns {
			if pattern.MatchString(trimmed) {
				result = append(result, trimmed)
				break
			}
		}
	}
	return result
}
