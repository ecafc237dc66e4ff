// Package catalog loads a team's model definitions from YAML and seeds
// them into the record store.
//
//	team_id: 7
//	sources: [events]
//	models:
//	  - name: signups
//	    query: SELECT id, name FROM events WHERE name = 'signup'
//	    columns:
//	      - {name: id, type: UInt64}
//	      - {name: name, type: String}
//	    depends_on: [events]
package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/materialize"
	"github.com/kbukum/modelrun/store"
)

// Model is one model definition.
type Model struct {
	Name      string         `yaml:"name"`
	Query     string         `yaml:"query"`
	Columns   []store.Column `yaml:"columns"`
	DependsOn []string       `yaml:"depends_on"`
}

// Catalog is the set of models and source tables of a team.
type Catalog struct {
	TeamID  int64    `yaml:"team_id"`
	Sources []string `yaml:"sources"`
	Models  []Model  `yaml:"models"`
}

// Load reads and validates the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks names are unique, dependencies exist, column types are
// known and there is no dependency cycle.
func (c *Catalog) Validate() error {
	if c.TeamID == 0 {
		return fmt.Errorf("team_id is required")
	}
	known := map[string]bool{}
	for _, s := range c.Sources {
		if s == "" {
			return fmt.Errorf("empty source name")
		}
		if known[s] {
			return fmt.Errorf("duplicate name %q", s)
		}
		known[s] = true
	}
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("model without a name")
		}
		if known[m.Name] {
			return fmt.Errorf("duplicate name %q", m.Name)
		}
		if strings.TrimSpace(m.Query) == "" {
			return fmt.Errorf("model %q has no query", m.Name)
		}
		for _, col := range m.Columns {
			if _, _, ok := materialize.MapType(col.Type); !ok {
				return fmt.Errorf("model %q column %q has unknown type %q", m.Name, col.Name, col.Type)
			}
		}
		known[m.Name] = true
	}
	for _, m := range c.Models {
		for _, dep := range m.DependsOn {
			if !known[dep] {
				return fmt.Errorf("model %q depends on unknown %q", m.Name, dep)
			}
		}
	}
	return c.checkCycles()
}

func (c *Catalog) deps() map[string][]string {
	deps := make(map[string][]string, len(c.Models))
	for _, m := range c.Models {
		deps[m.Name] = m.DependsOn
	}
	return deps
}

func (c *Catalog) checkCycles() error {
	const (
		visiting = 1
		done     = 2
	)
	deps := c.deps()
	state := map[string]int{}
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			i := slices.Index(stack, name)
			cycle := append(slices.Clone(stack[i:]), name)
			return fmt.Errorf("dependency cycle: %s", strings.Join(cycle, " -> "))
		case done:
			return nil
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, m := range c.Models {
		if err := visit(m.Name); err != nil {
			return err
		}
	}
	return nil
}

// Paths returns every root-to-model chain, one set per model. A model
// without dependencies is its own root.
func (c *Catalog) Paths() []dag.Path {
	deps := c.deps()
	memo := map[string][]dag.Path{}

	var chains func(name string) []dag.Path
	chains = func(name string) []dag.Path {
		if p, ok := memo[name]; ok {
			return p
		}
		var out []dag.Path
		if len(deps[name]) == 0 {
			out = []dag.Path{{name}}
		}
		for _, dep := range deps[name] {
			for _, p := range chains(dep) {
				out = append(out, append(slices.Clone(p), name))
			}
		}
		memo[name] = out
		return out
	}

	var all []dag.Path
	for _, m := range c.Models {
		all = append(all, chains(m.Name)...)
	}
	slices.SortFunc(all, func(a, b dag.Path) int {
		return slices.Compare(a, b)
	})
	return all
}

// Seeder writes catalog entries to the record store.
type Seeder interface {
	SaveModel(ctx context.Context, m *store.SavedModel) error
	SaveSourceTable(ctx context.Context, teamID int64, name string) error
	SavePath(ctx context.Context, teamID int64, path dag.Path) error
}

// Seed writes sources, models and paths. Saving the same catalog twice
// leaves the store unchanged.
func (c *Catalog) Seed(ctx context.Context, s Seeder) error {
	for _, name := range c.Sources {
		if err := s.SaveSourceTable(ctx, c.TeamID, name); err != nil {
			return fmt.Errorf("catalog: save source %s: %w", name, err)
		}
	}
	for _, m := range c.Models {
		model := &store.SavedModel{TeamID: c.TeamID, Name: m.Name, Query: m.Query, Columns: m.Columns}
		if err := s.SaveModel(ctx, model); err != nil {
			return fmt.Errorf("catalog: save model %s: %w", m.Name, err)
		}
	}
	for _, p := range c.Paths() {
		if err := s.SavePath(ctx, c.TeamID, p); err != nil {
			return fmt.Errorf("catalog: save path %v: %w", p, err)
		}
	}
	return nil
}
