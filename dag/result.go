package dag

import "slices"

// NodeStatus is the state a node reaches during a run.
type NodeStatus string

const (
	StatusReady          NodeStatus = "ready"
	StatusCompleted      NodeStatus = "completed"
	StatusFailed         NodeStatus = "failed"
	StatusAncestorFailed NodeStatus = "ancestor_failed"
)

// Results partitions a run's labels into three disjoint sets.
type Results struct {
	Completed      LabelSet
	Failed         LabelSet
	AncestorFailed LabelSet
	// Errors holds the failure of each label in Failed.
	Errors map[string]error
}

func newResults() *Results {
	return &Results{
		Completed:      LabelSet{},
		Failed:         LabelSet{},
		AncestorFailed: LabelSet{},
		Errors:         map[string]error{},
	}
}

// Len returns the number of labels that reached a final state.
func (r *Results) Len() int {
	return r.Completed.Len() + r.Failed.Len() + r.AncestorFailed.Len()
}

// Status returns the final state of label, or "" if it has none.
func (r *Results) Status(label string) NodeStatus {
	switch {
	case r.Completed.Has(label):
		return StatusCompleted
	case r.Failed.Has(label):
		return StatusFailed
	case r.AncestorFailed.Has(label):
		return StatusAncestorFailed
	}
	return ""
}

// AllFailed returns failed and ancestor-failed labels together, sorted.
func (r *Results) AllFailed() []string {
	out := make([]string, 0, r.Failed.Len()+r.AncestorFailed.Len())
	out = append(out, r.Failed.Sorted()...)
	out = append(out, r.AncestorFailed.Sorted()...)
	slices.Sort(out)
	return out
}

// OK reports whether every node completed.
func (r *Results) OK() bool {
	return r.Failed.Len() == 0 && r.AncestorFailed.Len() == 0
}
