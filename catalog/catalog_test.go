package catalog

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/store"
)

const diamondYAML = `
team_id: 7
sources: [events]
models:
  - name: a
    query: SELECT id FROM events
    columns: [{name: id, type: UInt64}]
    depends_on: [events]
  - name: b
    query: SELECT id FROM a
    columns: [{name: id, type: "Nullable(Int64)"}]
    depends_on: [a]
  - name: c
    query: SELECT id FROM a
    depends_on: [a]
  - name: d
    query: SELECT id FROM b JOIN c USING (id)
    depends_on: [b, c]
`

func TestParse_Diamond(t *testing.T) {
	c, err := Parse([]byte(diamondYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.TeamID != 7 || len(c.Models) != 4 || c.Models[0].Columns[0].Type != "UInt64" {
		t.Fatalf("unexpected catalog %+v", c)
	}

	var got []string
	for _, p := range c.Paths() {
		got = append(got, strings.Join(p, ">"))
	}
	want := []string{
		"events>a",
		"events>a>b",
		"events>a>b>d",
		"events>a>c",
		"events>a>c>d",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Paths() = %v, want %v", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"missing team", "models: [{name: a, query: SELECT 1}]", "team_id"},
		{"duplicate", "team_id: 1\nsources: [a]\nmodels: [{name: a, query: SELECT 1}]", "duplicate"},
		{"no query", "team_id: 1\nmodels: [{name: a}]", "no query"},
		{"unknown dependency", "team_id: 1\nmodels: [{name: a, query: SELECT 1, depends_on: [x]}]", "unknown"},
		{"unknown column type", "team_id: 1\nmodels: [{name: a, query: SELECT 1, columns: [{name: x, type: Blob}]}]", "unknown type"},
		{"cycle", "team_id: 1\nmodels:\n  - {name: a, query: SELECT 1, depends_on: [c]}\n  - {name: b, query: SELECT 1, depends_on: [a]}\n  - {name: c, query: SELECT 1, depends_on: [b]}", "cycle"},
		{"bad yaml", "team_id: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(diamondYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSeed_Idempotent(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, store.Config{DSN: filepath.Join(t.TempDir(), "records.db"), AutoMigrate: true, LogLevel: "silent"}, logger.NewNop())
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := store.New(db, logger.NewNop())

	c, err := Parse([]byte(diamondYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Seed(ctx, s); err != nil {
			t.Fatalf("Seed() #%d error = %v", i, err)
		}
	}

	paths, err := s.DependencyPaths(ctx, 7)
	if err != nil {
		t.Fatalf("DependencyPaths() error = %v", err)
	}
	if len(paths) != 5 {
		t.Errorf("expected 5 paths, got %d", len(paths))
	}
	available, err := s.AlwaysAvailable(ctx, 7)
	if err != nil {
		t.Fatalf("AlwaysAvailable() error = %v", err)
	}
	if !available.Has("events") {
		t.Errorf("expected events to be always available, got %v", available.Sorted())
	}
	m, err := s.ResolveModel(ctx, 7, dag.NameRef("b"))
	if err != nil {
		t.Fatalf("ResolveModel() error = %v", err)
	}
	if len(m.Columns) != 1 || m.Columns[0].Type != "Nullable(Int64)" {
		t.Errorf("unexpected columns %+v", m.Columns)
	}
}
