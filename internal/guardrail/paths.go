package guardrail

import (
	"fmt"

	"github.com/gobwas/glob"
)

// PathGuard rejects task diffs that touch protected paths.
type PathGuard struct {
	globs    []glob.Glob
	patterns []string
}

// NewPathGuard compiles the configured protection patterns.
// Patterns use glob syntax with `/` as the separator (e.g. ".github/**").
func NewPathGuard(patterns []string) (*PathGuard, error) {
	pg := &PathGuard{patterns: patterns}
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("compiling protected path pattern %q: %w", p, err)
		}
		pg.globs = append(pg.globs, g)
	}
	return pg, nil
}

// Violations returns the changed files that match a protected pattern.
func (pg *PathGuard) Violations(changedFiles []string) []string {
	if len(pg.globs) == 0 {
		return nil
	}
	var hits []string
	for _, file := range changedFiles {
		for _, g := range pg.globs {
			if g.Match(file) {
				hits = append(hits, file)
				break
			}
		}
	}
	return hits
}
