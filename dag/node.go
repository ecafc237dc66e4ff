package dag

import (
	"maps"
	"slices"
)

// LabelSet is a set of node labels.
type LabelSet map[string]struct{}

// NewLabelSet returns a set holding labels.
func NewLabelSet(labels ...string) LabelSet {
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// Add inserts label and reports whether it was new.
func (s LabelSet) Add(label string) bool {
	if _, ok := s[label]; ok {
		return false
	}
	s[label] = struct{}{}
	return true
}

// Has reports whether label is in the set.
func (s LabelSet) Has(label string) bool {
	_, ok := s[label]
	return ok
}

// Len returns the number of labels.
func (s LabelSet) Len() int { return len(s) }

// Sorted returns the labels in lexical order.
func (s LabelSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Clone returns an independent copy.
func (s LabelSet) Clone() LabelSet {
	return maps.Clone(s)
}

// ModelNode is one model in a run's DAG.
type ModelNode struct {
	Label    string
	Parents  LabelSet
	Children LabelSet
	// Selected nodes are materialized; unselected ones only link the chain.
	Selected bool
}

// NewModelNode returns an unselected node with no edges.
func NewModelNode(label string) ModelNode {
	return ModelNode{
		Label:    label,
		Parents:  LabelSet{},
		Children: LabelSet{},
	}
}

// WithSelected returns a copy of n with the selected flag set.
func (n ModelNode) WithSelected(selected bool) ModelNode {
	n.Selected = selected
	return n
}

// DAG maps labels to nodes. It is read-only once built.
type DAG map[string]ModelNode

// ensure returns the node for label, allocating it on first occurrence.
func (d DAG) ensure(label string) ModelNode {
	n, ok := d[label]
	if !ok {
		n = NewModelNode(label)
		d[label] = n
	}
	return n
}

// AddEdge records parent -> child on both endpoints, creating missing nodes.
// It is the only way edges enter a DAG, which keeps them symmetric.
func (d DAG) AddEdge(parent, child string) {
	p := d.ensure(parent)
	c := d.ensure(child)
	p.Children.Add(child)
	c.Parents.Add(parent)
}

// Roots returns the labels of nodes without parents, sorted.
func (d DAG) Roots() []string {
	var roots []string
	for label, n := range d {
		if len(n.Parents) == 0 {
			roots = append(roots, label)
		}
	}
	slices.Sort(roots)
	return roots
}

// Selected returns the labels of selected nodes.
func (d DAG) Selected() LabelSet {
	s := LabelSet{}
	for label, n := range d {
		if n.Selected {
			s.Add(label)
		}
	}
	return s
}

// Labels returns every label in the DAG.
func (d DAG) Labels() LabelSet {
	s := make(LabelSet, len(d))
	for label := range d {
		s.Add(label)
	}
	return s
}

// Descendants returns the transitive children of label. The walk is
// breadth-first and visits each node once, so diamonds are not revisited.
func (d DAG) Descendants(label string) []string {
	start, ok := d[label]
	if !ok {
		return nil
	}
	marked := LabelSet{}
	queue := start.Children.Sorted()
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if !marked.Add(next) {
			continue
		}
		out = append(out, next)
		queue = append(queue, d[next].Children.Sorted()...)
	}
	return out
}
