package dag

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/logger"
)

// --- test helpers ---

// recorder is a NodeMaterializer that fails chosen labels and records the
// start and end sequence of every call.
type recorder struct {
	mu     sync.Mutex
	seq    int
	starts map[string]int
	ends   map[string]int
	fail   map[string]error
	delay  time.Duration
}

func newRecorder() *recorder {
	return &recorder{starts: map[string]int{}, ends: map[string]int{}, fail: map[string]error{}}
}

func (r *recorder) Materialize(ctx context.Context, node ModelNode) error {
	r.mu.Lock()
	r.seq++
	r.starts[node.Label] = r.seq
	err := r.fail[node.Label]
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.seq++
	r.ends[node.Label] = r.seq
	r.mu.Unlock()
	return err
}

func (r *recorder) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for l := range r.starts {
		out = append(out, l)
	}
	slices.Sort(out)
	return out
}

func edges(pairs ...[2]string) DAG {
	d := DAG{}
	for _, p := range pairs {
		d.AddEdge(p[0], p[1])
	}
	return d
}

func diamond() DAG {
	return edges([2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"b", "d"}, [2]string{"c", "d"})
}

func runDAG(t *testing.T, d DAG, m NodeMaterializer, opts ...RunnerOption) (*Results, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return NewRunner(m, RunnerConfig{}, logger.NewNop(), opts...).Run(ctx, d)
}

// assertPartition checks the three result sets are disjoint and cover d.
func assertPartition(t *testing.T, d DAG, res *Results) {
	t.Helper()
	seen := LabelSet{}
	for _, set := range []LabelSet{res.Completed, res.Failed, res.AncestorFailed} {
		for l := range set {
			if !seen.Add(l) {
				t.Errorf("label %s appears in more than one result set", l)
			}
			if _, ok := d[l]; !ok {
				t.Errorf("label %s is not in the DAG", l)
			}
		}
	}
	if seen.Len() != len(d) {
		t.Errorf("results cover %d of %d labels", seen.Len(), len(d))
	}
}

// assertParentsFirst checks every started node began after all its parents ended.
func assertParentsFirst(t *testing.T, d DAG, rec *recorder) {
	t.Helper()
	for label, start := range rec.starts {
		for p := range d[label].Parents {
			end, ok := rec.ends[p]
			if !ok || end > start {
				t.Errorf("%s started (%d) before parent %s ended (%d)", label, start, p, end)
			}
		}
	}
}

// --- scenarios ---

func TestRun_DiamondCompletes(t *testing.T) {
	d := diamond()
	rec := newRecorder()
	res, err := runDAG(t, d, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Completed.Sorted(); !slices.Equal(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("completed = %v", got)
	}
	if !res.OK() {
		t.Error("expected OK run")
	}
	assertPartition(t, d, res)
	assertParentsFirst(t, d, rec)
}

func TestRun_FailurePropagatesToDescendantsOnly(t *testing.T) {
	d := diamond()
	rec := newRecorder()
	boom := errors.New("boom")
	rec.fail["b"] = boom

	res, err := runDAG(t, d, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Completed.Sorted(); !slices.Equal(got, []string{"a", "c"}) {
		t.Errorf("completed = %v", got)
	}
	if got := res.Failed.Sorted(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("failed = %v", got)
	}
	if got := res.AncestorFailed.Sorted(); !slices.Equal(got, []string{"d"}) {
		t.Errorf("ancestor_failed = %v", got)
	}
	if !errors.Is(res.Errors["b"], boom) {
		t.Errorf("expected b's error to be kept, got %v", res.Errors["b"])
	}
	if slices.Contains(rec.called(), "d") {
		t.Error("ancestor-failed node must never be materialized")
	}
	if got := res.AllFailed(); !slices.Equal(got, []string{"b", "d"}) {
		t.Errorf("AllFailed = %v", got)
	}
	assertPartition(t, d, res)
}

func TestRun_TwoRoots(t *testing.T) {
	d := edges([2]string{"a", "c"}, [2]string{"b", "c"})
	d.ensure("solo")
	rec := newRecorder()
	res, err := runDAG(t, d, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed.Len() != 4 {
		t.Errorf("completed = %v", res.Completed.Sorted())
	}
	assertParentsFirst(t, d, rec)
}

func TestRun_EmptyStart(t *testing.T) {
	tests := []struct {
		name string
		d    DAG
	}{
		{"no nodes", DAG{}},
		{"every node has a parent", edges([2]string{"a", "b"}, [2]string{"b", "a"})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := runDAG(t, tc.d, newRecorder())
			if !apperrors.HasCode(err, apperrors.ErrCodeEmptyStart) {
				t.Fatalf("expected EMPTY_START, got %v", err)
			}
			if res != nil {
				t.Error("no results expected on empty start")
			}
		})
	}
}

func TestRun_StalledCycleBelowRoot(t *testing.T) {
	d := edges([2]string{"r", "x"}, [2]string{"x", "y"}, [2]string{"y", "x"})
	res, err := runDAG(t, d, newRecorder())
	if !apperrors.HasCode(err, apperrors.ErrCodeRunStalled) {
		t.Fatalf("expected RUN_STALLED, got %v", err)
	}
	if !res.Completed.Has("r") {
		t.Error("root should have completed before the stall")
	}
}

// Two failures sharing descendants mark each descendant exactly once.
func TestRun_MultipleFailuresShareDescendants(t *testing.T) {
	d := edges(
		[2]string{"a", "b"}, [2]string{"a", "c"},
		[2]string{"b", "d"}, [2]string{"c", "d"},
		[2]string{"d", "e"},
	)
	rec := newRecorder()
	rec.fail["b"] = errors.New("b failed")
	rec.fail["c"] = errors.New("c failed")

	var transitions []Transition
	res, err := runDAG(t, d, rec, WithObserver(func(_ context.Context, tr Transition) {
		transitions = append(transitions, tr)
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.AncestorFailed.Sorted(); !slices.Equal(got, []string{"d", "e"}) {
		t.Errorf("ancestor_failed = %v", got)
	}
	assertPartition(t, d, res)

	marked := map[string]int{}
	for _, tr := range transitions {
		if tr.Status == StatusAncestorFailed {
			marked[tr.Label]++
		}
	}
	if marked["d"] != 1 || marked["e"] != 1 {
		t.Errorf("each descendant must be marked once, got %v", marked)
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	d := edges([2]string{"a", "b"})
	m := MaterializerFunc(func(_ context.Context, n ModelNode) error {
		if n.Label == "a" {
			panic("kaboom")
		}
		return nil
	})
	res, err := runDAG(t, d, m)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Failed.Has("a") || !res.AncestorFailed.Has("b") {
		t.Errorf("unexpected results failed=%v ancestor_failed=%v", res.Failed.Sorted(), res.AncestorFailed.Sorted())
	}
	if res.Errors["a"] == nil {
		t.Error("panic should be recorded as an error")
	}
}

func TestRun_MaxParallelBoundsConcurrency(t *testing.T) {
	d := DAG{}
	for _, l := range []string{"a", "b", "c", "d", "e", "f"} {
		d.ensure(l)
	}
	var current, peak int32
	m := MaterializerFunc(func(context.Context, ModelNode) error {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil
	})

	r := NewRunner(m, RunnerConfig{MaxParallel: 2}, logger.NewNop())
	res, err := r.Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed.Len() != 6 {
		t.Errorf("completed = %v", res.Completed.Sorted())
	}
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds MaxParallel 2", peak)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	d := edges([2]string{"a", "b"})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	m := MaterializerFunc(func(ctx context.Context, n ModelNode) error {
		close(started)
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := NewRunner(m, RunnerConfig{}, logger.NewNop()).Run(ctx, d)
	if !apperrors.HasCode(err, apperrors.ErrCodeRunCancelled) {
		t.Fatalf("expected RUN_CANCELLED, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("run cancellation should wrap the context error")
	}
}

func TestRun_ObserverSeesEveryFinalState(t *testing.T) {
	d := diamond()
	rec := newRecorder()
	rec.fail["c"] = errors.New("x")

	final := map[string]NodeStatus{}
	ready := LabelSet{}
	_, err := runDAG(t, d, rec, WithObserver(func(_ context.Context, tr Transition) {
		if tr.Status == StatusReady {
			ready.Add(tr.Label)
			return
		}
		final[tr.Label] = tr.Status
		if tr.Status == StatusAncestorFailed && tr.Cause != "c" {
			t.Errorf("ancestor-failed cause = %q", tr.Cause)
		}
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]NodeStatus{
		"a": StatusCompleted, "b": StatusCompleted,
		"c": StatusFailed, "d": StatusAncestorFailed,
	}
	for l, s := range want {
		if final[l] != s {
			t.Errorf("%s final = %q, want %q", l, final[l], s)
		}
	}
	if ready.Has("d") {
		t.Error("d must never become ready")
	}
}

func TestRun_LongChainOrdering(t *testing.T) {
	d := DAG{}
	labels := []string{"l0", "l1", "l2", "l3", "l4", "l5", "l6", "l7"}
	for i := 1; i < len(labels); i++ {
		d.AddEdge(labels[i-1], labels[i])
		d.AddEdge(labels[0], labels[i])
	}
	rec := newRecorder()
	rec.delay = time.Millisecond
	res, err := runDAG(t, d, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed.Len() != len(labels) {
		t.Errorf("completed %d of %d", res.Completed.Len(), len(labels))
	}
	assertParentsFirst(t, d, rec)
}
