package backlog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk format produced by the prep pipeline: an ordered
// list of task specs. File order becomes insertion order, which is the
// selector's tie-break after priority.
type seedFile struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// LoadSeedFile parses a tasks YAML file and creates every task it contains.
// Returns the created task IDs in file order. Tasks already present in the
// backlog (same explicit ID) are skipped rather than duplicated.
func LoadSeedFile(ctx context.Context, backend Backend, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	if len(seed.Tasks) == 0 {
		return nil, fmt.Errorf("seed file %s contains no tasks", path)
	}

	var created []string
	for i, spec := range seed.Tasks {
		if spec.ID != "" {
			if _, err := backend.Get(ctx, spec.ID); err == nil {
				continue // already seeded
			}
		}
		id, err := backend.Create(ctx, spec)
		if err != nil {
			return created, fmt.Errorf("creating task %d (%q): %w", i+1, spec.Title, err)
		}
		created = append(created, id)
	}
	return created, nil
}
