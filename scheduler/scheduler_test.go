package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/runlock"
	"github.com/kbukum/modelrun/workflow"
)

// fakeRunner records inputs. When block is set each run waits for release
// or cancellation.
type fakeRunner struct {
	mu      sync.Mutex
	inputs  []workflow.Input
	started chan struct{}
	release chan struct{}
	block   bool
	err     error
}

func newFakeRunner(block bool) *fakeRunner {
	return &fakeRunner{started: make(chan struct{}, 10), release: make(chan struct{}), block: block}
}

func (r *fakeRunner) Run(ctx context.Context, in workflow.Input) (*workflow.Outcome, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	r.started <- struct{}{}

	if r.block {
		select {
		case <-r.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return &workflow.Outcome{WorkflowID: "wf", Results: &dag.Results{
		Completed: dag.LabelSet{}, Failed: dag.LabelSet{}, AncestorFailed: dag.LabelSet{},
	}}, nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func waitStarted(t *testing.T, r *fakeRunner) {
	t.Helper()
	select {
	case <-r.started:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not start")
	}
}

func nightly() Schedule {
	return Schedule{Name: "nightly", Cron: "0 0 3 * * *", TeamID: 7, Select: []string{"orders:all:0"}}
}

// --- registration ---

func TestAdd_Validation(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
	}{
		{"missing name", Schedule{Cron: "@hourly", TeamID: 1}},
		{"bad cron", Schedule{Name: "x", Cron: "every tuesday", TeamID: 1}},
		{"bad selector", Schedule{Name: "x", Cron: "@hourly", TeamID: 1, Select: []string{"a:b:c:d"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(newFakeRunner(false), runlock.NewLocal(), logger.NewNop())
			if err := s.Add(tt.sched); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAdd_DuplicateAndRemove(t *testing.T) {
	s := New(newFakeRunner(false), runlock.NewLocal(), logger.NewNop())
	if err := s.Add(nightly()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add(nightly()); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := s.Remove("nightly"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(s.Names()) != 0 {
		t.Errorf("expected no schedules, got %v", s.Names())
	}
}

// --- triggering ---

func TestTrigger_RunsWorkflow(t *testing.T) {
	r := newFakeRunner(false)
	s := New(r, runlock.NewLocal(), logger.NewNop())
	if err := s.Add(nightly()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := s.Trigger(context.Background(), "nightly"); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	in := r.inputs[0]
	if in.TeamID != 7 || len(in.Selectors) != 1 {
		t.Fatalf("unexpected input %+v", in)
	}
	if sel := in.Selectors[0]; sel.Label != "orders" || sel.Ancestors != dag.All || sel.Descendants != 0 {
		t.Errorf("unexpected selector %+v", sel)
	}
}

func TestTrigger_OverlappingRunIsSkipped(t *testing.T) {
	r := newFakeRunner(true)
	s := New(r, runlock.NewLocal(), logger.NewNop())
	if err := s.Add(nightly()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), "nightly") }()
	waitStarted(t, r)

	if err := s.Trigger(context.Background(), "nightly"); !errors.Is(err, runlock.ErrLocked) {
		t.Fatalf("overlapping Trigger() error = %v, want ErrLocked", err)
	}
	close(r.release)
	if err := <-done; err != nil {
		t.Fatalf("first Trigger() error = %v", err)
	}

	if err := s.Trigger(context.Background(), "nightly"); err != nil {
		t.Fatalf("Trigger() after release error = %v", err)
	}
	if r.calls() != 2 {
		t.Errorf("expected 2 runs, got %d", r.calls())
	}
}

func TestTrigger_RunErrorReleasesLock(t *testing.T) {
	r := newFakeRunner(false)
	r.err = errors.New("boom")
	s := New(r, runlock.NewLocal(), logger.NewNop())
	if err := s.Add(nightly()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := s.Trigger(context.Background(), "nightly"); err == nil || errors.Is(err, runlock.ErrLocked) {
			t.Fatalf("Trigger() #%d error = %v, want run error", i, err)
		}
	}
}

// --- cron loop ---

func TestStart_FiresAndStopCancels(t *testing.T) {
	r := newFakeRunner(true)
	s := New(r, runlock.NewLocal(), logger.NewNop())
	if err := s.Add(Schedule{Name: "every-second", Cron: "* * * * * *", TeamID: 7}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	s.Start()
	waitStarted(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
