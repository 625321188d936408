package dispatch

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ExitEndpoint is one exit node's static address within a group: its name
// (for logging) and the base URL the handler's exitsvc.Client dials for
// /forward, /stream, and /health.
type ExitEndpoint struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

// GroupDefinition is one entry in exit-groups.yaml: a named routing group,
// a min_healthy count, and the group's static member endpoints.
// MinHealthy is parsed from the manifest but nothing in the handler reads
// it; a group is not withdrawn when its healthy exits drop below it.
type GroupDefinition struct {
	ID          int32          `yaml:"id"`
	Name        string         `yaml:"name"`
	MinHealthy  int            `yaml:"min_healthy"`
	Description string         `yaml:"description"`
	Endpoints   []ExitEndpoint `yaml:"endpoints"`
}

// GroupManifest is the top-level shape of exit-groups.yaml.
type GroupManifest struct {
	Groups []GroupDefinition `yaml:"groups"`
}

// LoadGroupManifest reads and parses exit-groups.yaml directly, not
// through the general handler config layer. Each call reads the file
// once; nothing watches it for changes.
func LoadGroupManifest(path string) (GroupManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GroupManifest{}, fmt.Errorf("dispatch: reading group manifest: %w", err)
	}

	var manifest GroupManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return GroupManifest{}, fmt.Errorf("dispatch: parsing group manifest: %w", err)
	}
	for _, g := range manifest.Groups {
		if g.Name == "" {
			return GroupManifest{}, fmt.Errorf("dispatch: group %d missing name", g.ID)
		}
	}
	return manifest, nil
}

// ByID indexes a manifest's groups by id for quick lookup.
func (m GroupManifest) ByID() map[int32]GroupDefinition {
	out := make(map[int32]GroupDefinition, len(m.Groups))
	for _, g := range m.Groups {
		out[g.ID] = g
	}
	return out
}
