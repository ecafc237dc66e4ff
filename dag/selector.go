package dag

import (
	"fmt"
	"strconv"
	"strings"
)

// Depth bounds how far a selector reaches along a path. All is unbounded.
type Depth int

// All selects every ancestor or descendant.
const All Depth = -1

// Wildcard is the selector label that matches every path.
const Wildcard = "*"

// String renders the depth as used in selector syntax.
func (d Depth) String() string {
	if d == All {
		return "all"
	}
	return strconv.Itoa(int(d))
}

// ParseDepth accepts a non-negative integer or "all".
func ParseDepth(s string) (Depth, error) {
	if strings.EqualFold(s, "all") {
		return All, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("dag: depth must be a non-negative integer or \"all\", got %q", s)
	}
	return Depth(n), nil
}

// Selector chooses a model and a window of its ancestors and descendants.
type Selector struct {
	Label       string
	Ancestors   Depth
	Descendants Depth
}

// SelectAll matches every model on every path.
func SelectAll() Selector {
	return Selector{Label: Wildcard, Ancestors: All, Descendants: All}
}

// IsWildcard reports whether the selector matches every path.
func (s Selector) IsWildcard() bool { return s.Label == Wildcard }

// String renders the selector as label:ancestors:descendants.
func (s Selector) String() string {
	return fmt.Sprintf("%s:%s:%s", s.Label, s.Ancestors, s.Descendants)
}

// ParseSelector reads "label", "label:ancestors" or
// "label:ancestors:descendants". Omitted depths are 0.
func ParseSelector(s string) (Selector, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 || parts[0] == "" {
		return Selector{}, fmt.Errorf("dag: invalid selector %q", s)
	}
	sel := Selector{Label: parts[0]}
	if sel.IsWildcard() {
		return SelectAll(), nil
	}
	var err error
	if len(parts) > 1 {
		if sel.Ancestors, err = ParseDepth(parts[1]); err != nil {
			return Selector{}, err
		}
	}
	if len(parts) > 2 {
		if sel.Descendants, err = ParseDepth(parts[2]); err != nil {
			return Selector{}, err
		}
	}
	return sel, nil
}

// window returns the inclusive [start, end] range the selector covers on a
// path, and false when the selector's label is not on the path.
func (s Selector) window(path Path) (int, int, bool) {
	if len(path) == 0 {
		return 0, 0, false
	}
	if s.IsWildcard() {
		return 0, len(path) - 1, true
	}
	idx := path.Index(s.Label)
	if idx < 0 {
		return 0, 0, false
	}
	start, end := 0, len(path)-1
	if s.Ancestors != All {
		start = max(idx-int(s.Ancestors), 0)
	}
	if s.Descendants != All {
		end = min(idx+int(s.Descendants), len(path)-1)
	}
	return start, end, true
}
