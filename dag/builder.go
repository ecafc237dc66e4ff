package dag

import (
	"context"
	"fmt"
	"slices"

	"github.com/kbukum/modelrun/logger"
)

// Path is a dependency chain ordered from ancestor to descendant.
type Path []string

// Index returns the position of label on the path, or -1.
func (p Path) Index(label string) int {
	return slices.Index(p, label)
}

// Contains reports whether label is on the path.
func (p Path) Contains(label string) bool { return p.Index(label) >= 0 }

// PathSource supplies the dependency paths and source tables of a team.
type PathSource interface {
	// DependencyPaths returns every recorded root-to-model chain.
	DependencyPaths(ctx context.Context, teamID int64) ([]Path, error)
	// AlwaysAvailable returns labels that never need materializing.
	AlwaysAvailable(ctx context.Context, teamID int64) (LabelSet, error)
}

// LabelCanonicalizer maps a by-ID selector label onto the name used in paths.
type LabelCanonicalizer interface {
	CanonicalLabel(ctx context.Context, teamID int64, ref LabelRef) (string, error)
}

// Builder turns selectors and dependency paths into a DAG.
type Builder struct {
	paths     PathSource
	canonical LabelCanonicalizer
	log       *logger.Logger
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithCanonicalizer resolves UUID selector labels to model names.
func WithCanonicalizer(c LabelCanonicalizer) BuilderOption {
	return func(b *Builder) { b.canonical = c }
}

// NewBuilder creates a Builder reading from paths.
func NewBuilder(paths PathSource, log *logger.Logger, opts ...BuilderOption) *Builder {
	b := &Builder{paths: paths, log: log.WithComponent("dag-builder")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build applies every selector's window to each of its paths.
//
// A node is created for every label on a path; it is selected when it falls
// inside a window and is not always available. Selection is a union, so the
// result does not depend on the order selectors or paths are visited.
func (b *Builder) Build(ctx context.Context, teamID int64, selectorPaths map[Selector][]Path) (DAG, error) {
	available, err := b.paths.AlwaysAvailable(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("dag: load always-available labels: %w", err)
	}

	d := DAG{}
	for sel, paths := range selectorPaths {
		for _, path := range paths {
			apply(d, sel, path, available)
		}
	}

	b.log.Debug("dag built", logger.Fields(
		logger.FieldTeamID, teamID,
		"nodes", len(d),
		"selected", d.Selected().Len(),
	))
	return d, nil
}

// BuildForSelectors matches each selector against the team's recorded paths
// and builds the DAG. A selector naming a model with no recorded path
// contributes the single-label path [label].
func (b *Builder) BuildForSelectors(ctx context.Context, teamID int64, selectors []Selector) (DAG, error) {
	all, err := b.paths.DependencyPaths(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("dag: load dependency paths: %w", err)
	}

	selectorPaths := make(map[Selector][]Path, len(selectors))
	for _, sel := range selectors {
		sel, err = b.canonicalize(ctx, teamID, sel)
		if err != nil {
			return nil, err
		}
		if sel.IsWildcard() {
			selectorPaths[sel] = all
			continue
		}
		var matched []Path
		for _, p := range all {
			if p.Contains(sel.Label) {
				matched = append(matched, p)
			}
		}
		if len(matched) == 0 {
			matched = []Path{{sel.Label}}
		}
		selectorPaths[sel] = append(selectorPaths[sel], matched...)
	}
	return b.Build(ctx, teamID, selectorPaths)
}

func (b *Builder) canonicalize(ctx context.Context, teamID int64, sel Selector) (Selector, error) {
	if b.canonical == nil || sel.IsWildcard() {
		return sel, nil
	}
	ref := ParseLabel(sel.Label)
	if ref.Kind != ByID {
		return sel, nil
	}
	name, err := b.canonical.CanonicalLabel(ctx, teamID, ref)
	if err != nil {
		return sel, fmt.Errorf("dag: resolve selector %s: %w", sel.Label, err)
	}
	sel.Label = name
	return sel, nil
}

// apply merges one selector window over one path into d.
func apply(d DAG, sel Selector, path Path, available LabelSet) {
	start, end, ok := sel.window(path)
	if !ok {
		return
	}
	for i, label := range path {
		node := d.ensure(label)
		if i >= start && i <= end && !available.Has(label) && !node.Selected {
			d[label] = node.WithSelected(true)
		}
		if i > 0 {
			d.AddEdge(path[i-1], label)
		}
		if i < len(path)-1 {
			d.AddEdge(label, path[i+1])
		}
	}
}
