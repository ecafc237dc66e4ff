package dag

import (
	"fmt"
	"slices"
)

// Validate checks that every edge references a node in d and is recorded
// on both endpoints.
func Validate(d DAG) error {
	for label, n := range d {
		for child := range n.Children {
			c, ok := d[child]
			if !ok {
				return fmt.Errorf("dag: %q has unknown child %q", label, child)
			}
			if !c.Parents.Has(label) {
				return fmt.Errorf("dag: edge %q -> %q missing on child", label, child)
			}
		}
		for parent := range n.Parents {
			p, ok := d[parent]
			if !ok {
				return fmt.Errorf("dag: %q has unknown parent %q", label, parent)
			}
			if !p.Children.Has(label) {
				return fmt.Errorf("dag: edge %q -> %q missing on parent", parent, label)
			}
		}
	}
	return nil
}

// Levels groups labels by dependency depth using Kahn's algorithm. Labels in
// the same level have no edges between them. Returns an error on a cycle.
func Levels(d DAG) ([][]string, error) {
	inDegree := make(map[string]int, len(d))
	for label, n := range d {
		inDegree[label] = len(n.Parents)
	}

	queue := d.Roots()
	var levels [][]string
	visited := 0

	for len(queue) > 0 {
		levels = append(levels, queue)
		visited += len(queue)

		var next []string
		for _, label := range queue {
			for child := range d[label].Children {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		slices.Sort(next)
		queue = next
	}

	if visited != len(d) {
		return nil, fmt.Errorf("dag: cycle detected, ordered %d of %d nodes", visited, len(d))
	}
	return levels, nil
}
