// ABOUTME: TOML task-graph files for the submit CLI.
// ABOUTME: Parses [[task]] tables into TaskSpecs and checks referential integrity.

package coordinator

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// graphFile is the on-disk shape of a task graph:
//
//	[[task]]
//	id = "research"
//	agent = "worker-a"
//	description = "gather the sources"
//
//	[[task]]
//	id = "summarize"
//	agent = "worker-b"
//	description = "summarize the research"
//	depends_on = ["research"]
type graphFile struct {
	Tasks []graphTask `toml:"task"`
}

type graphTask struct {
	ID          string   `toml:"id"`
	Agent       string   `toml:"agent"`
	Description string   `toml:"description"`
	DependsOn   []string `toml:"depends_on"`
}

// LoadGraph reads a TOML task-graph file into TaskSpecs. Beyond the
// per-step checks SubmitGraph applies, file graphs must be self-contained:
// every depends_on id must name a task in the same file.
func LoadGraph(path string) ([]TaskSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading graph file: %w", err)
	}

	var gf graphFile
	if err := toml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parsing graph file: %w", err)
	}
	if len(gf.Tasks) == 0 {
		return nil, fmt.Errorf("graph file %s defines no tasks", path)
	}

	ids := make(map[string]struct{}, len(gf.Tasks))
	for _, t := range gf.Tasks {
		ids[t.ID] = struct{}{}
	}

	specs := make([]TaskSpec, 0, len(gf.Tasks))
	for _, t := range gf.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := ids[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			if dep == t.ID {
				return nil, fmt.Errorf("task %s depends on itself", t.ID)
			}
		}
		specs = append(specs, TaskSpec{
			TaskID:      t.ID,
			Agent:       t.Agent,
			Description: t.Description,
			DependsOn:   t.DependsOn,
		})
	}

	if err := validateGraph(specs); err != nil {
		return nil, err
	}
	return specs, nil
}
