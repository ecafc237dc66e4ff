package workflow

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/modelrun/dag"
	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/events"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/materialize"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/resilience"
	"github.com/kbukum/modelrun/store"
	"github.com/kbukum/modelrun/warehouse"
)

// --- fakes ---

type fakePaths struct {
	paths     []dag.Path
	available dag.LabelSet
	names     map[uuid.UUID]string
}

func (f *fakePaths) DependencyPaths(context.Context, int64) ([]dag.Path, error) {
	return f.paths, nil
}

func (f *fakePaths) AlwaysAvailable(context.Context, int64) (dag.LabelSet, error) {
	return f.available, nil
}

func (f *fakePaths) CanonicalLabel(_ context.Context, _ int64, ref dag.LabelRef) (string, error) {
	if name, ok := f.names[ref.ID]; ok {
		return name, nil
	}
	return "", apperrors.ModelNotFound(ref.String())
}

type fakeRecords struct {
	mu          sync.Mutex
	statuses    map[string]store.ModelStatus
	runAt       map[string]time.Time
	statusErrs  []error
	transitions []store.JobStatus
	jobErrors   []string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{statuses: map[string]store.ModelStatus{}, runAt: map[string]time.Time{}}
}

func (f *fakeRecords) ResolveModel(_ context.Context, _ int64, ref dag.LabelRef) (*store.SavedModel, error) {
	return &store.SavedModel{Name: ref.String(), Columns: []store.Column{{Name: "id", Type: "Int64"}}}, nil
}

func (f *fakeRecords) SetModelStatus(_ context.Context, _ int64, ref dag.LabelRef, status store.ModelStatus, runAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		return err
	}
	f.statuses[ref.String()] = status
	f.runAt[ref.String()] = runAt
	return nil
}

func (f *fakeRecords) TransitionRunning(_ context.Context, _ string, status store.JobStatus, msg string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, status)
	f.jobErrors = append(f.jobErrors, msg)
	return 1, nil
}

func (f *fakeRecords) status(label string) store.ModelStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[label]
}

type fakeTables struct {
	mu         sync.Mutex
	registered []string
}

func (f *fakeTables) Files(_ context.Context, _ int64, label string) (*warehouse.FileIndex, error) {
	return &warehouse.FileIndex{Label: label, Files: []string{"file:///" + label + "/data.ndjson"}}, nil
}

func (f *fakeTables) RegisterTable(_ context.Context, _ int64, name string, files []string, _ []queryengine.Column) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, name)
	return nil
}

func (f *fakeTables) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := slices.Clone(f.registered)
	slices.Sort(out)
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *recordingPublisher) count(eventType string) int {
	n := 0
	for _, t := range p.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

// --- helpers ---

type harness struct {
	paths     *fakePaths
	records   *fakeRecords
	tables    *fakeTables
	publisher *recordingPublisher
	workflow  *Workflow
}

func newHarness(paths *fakePaths, m dag.NodeMaterializer) *harness {
	if paths.available == nil {
		paths.available = dag.LabelSet{}
	}
	h := &harness{
		paths:     paths,
		records:   newFakeRecords(),
		tables:    &fakeTables{},
		publisher: &recordingPublisher{},
	}
	log := logger.NewNop()
	builder := dag.NewBuilder(paths, log, dag.WithCanonicalizer(paths))
	activities := NewActivities(h.records, h.tables, ActivitiesConfig{}, log)
	factory := func(materialize.Run) dag.NodeMaterializer { return m }
	cfg := Config{Retry: resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}}
	h.workflow = New(builder, activities, factory, cfg, log,
		WithPublisher(h.publisher),
		WithCanonicalizer(paths),
	)
	return h
}

func failing(errs map[string]error) dag.NodeMaterializer {
	return dag.MaterializerFunc(func(_ context.Context, node dag.ModelNode) error {
		return errs[node.Label]
	})
}

func selectors(t *testing.T, specs ...string) []dag.Selector {
	t.Helper()
	out := make([]dag.Selector, 0, len(specs))
	for _, s := range specs {
		sel, err := dag.ParseSelector(s)
		if err != nil {
			t.Fatalf("ParseSelector(%q) error = %v", s, err)
		}
		out = append(out, sel)
	}
	return out
}

func runWorkflow(t *testing.T, h *harness, in Input) (*Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	in.TeamID = 7
	return h.workflow.Run(ctx, in)
}

// --- scenarios ---

func TestWorkflow_AllModelsComplete(t *testing.T) {
	h := newHarness(&fakePaths{
		paths:     []dag.Path{{"events", "a", "b"}, {"events", "c"}},
		available: dag.NewLabelSet("events"),
	}, failing(nil))
	runAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out, err := runWorkflow(t, h, Input{Selectors: selectors(t, "*"), WorkflowID: "wf-1", RunAt: runAt})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.WorkflowID != "wf-1" || out.RunID == "" {
		t.Errorf("unexpected identity %q/%q", out.WorkflowID, out.RunID)
	}
	for _, label := range []string{"a", "b", "c"} {
		if got := h.records.status(label); got != store.ModelCompleted {
			t.Errorf("status(%s) = %q, want completed", label, got)
		}
		if !h.records.runAt[label].Equal(runAt) {
			t.Errorf("runAt(%s) = %v, want %v", label, h.records.runAt[label], runAt)
		}
	}
	if got := h.records.status("events"); got != "" {
		t.Errorf("source table must not get a status, got %q", got)
	}
	if got := h.tables.names(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("tables = %v, want [a b c]", got)
	}
	if len(h.records.transitions) != 0 {
		t.Errorf("expected no bulk job transitions, got %v", h.records.transitions)
	}

	types := h.publisher.types()
	if types[0] != events.RunStarted || types[len(types)-1] != events.RunFinished {
		t.Errorf("unexpected event order %v", types)
	}
	if n := h.publisher.count(events.ModelCompleted); n != 3 {
		t.Errorf("expected 3 model.completed events, got %d", n)
	}
}

func TestWorkflow_PartialFailureStillFinishes(t *testing.T) {
	h := newHarness(&fakePaths{
		paths: []dag.Path{{"a", "b", "c"}, {"a", "d"}},
	}, failing(map[string]error{"b": apperrors.ResourceLimit("b", errors.New("memory limit exceeded"))}))

	out, err := runWorkflow(t, h, Input{Selectors: selectors(t, "*")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !out.Results.Failed.Has("b") || !out.Results.AncestorFailed.Has("c") {
		t.Fatalf("unexpected results %+v", out.Results)
	}

	want := map[string]store.ModelStatus{
		"a": store.ModelCompleted,
		"d": store.ModelCompleted,
		"b": store.ModelFailed,
		"c": store.ModelFailed,
	}
	for label, status := range want {
		if got := h.records.status(label); got != status {
			t.Errorf("status(%s) = %q, want %q", label, got, status)
		}
	}
	if got := h.tables.names(); !slices.Equal(got, []string{"a", "d"}) {
		t.Errorf("tables = %v, want [a d]", got)
	}
	if h.publisher.count(events.ModelFailed) != 1 || h.publisher.count(events.ModelAncestorFailed) != 1 {
		t.Errorf("unexpected events %v", h.publisher.types())
	}
	for _, e := range h.publisher.events {
		if e.Type == events.ModelFailed && e.Data["code"] != string(apperrors.ErrCodeResourceLimit) {
			t.Errorf("model.failed code = %v", e.Data["code"])
		}
	}
}

func TestWorkflow_TablesOnlyForRequestedLabels(t *testing.T) {
	h := newHarness(&fakePaths{paths: []dag.Path{{"a", "b", "c"}}}, failing(nil))

	out, err := runWorkflow(t, h, Input{Selectors: selectors(t, "b:1:0")})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.tables.names(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("tables = %v, want [b]", got)
	}
	if !slices.Equal(out.Tables, []string{"b"}) {
		t.Errorf("Outcome.Tables = %v", out.Tables)
	}
	if h.records.status("a") != store.ModelCompleted || h.records.status("b") != store.ModelCompleted {
		t.Errorf("selected ancestors must be recorded: %v", h.records.statuses)
	}
	if got := h.records.status("c"); got != "" {
		t.Errorf("unselected descendant must not be recorded, got %q", got)
	}
}

func TestWorkflow_IDSelectorResolvesToName(t *testing.T) {
	id := uuid.New()
	h := newHarness(&fakePaths{
		paths: []dag.Path{{"a", "b"}},
		names: map[uuid.UUID]string{id: "b"},
	}, failing(nil))

	if _, err := runWorkflow(t, h, Input{Selectors: selectors(t, id.String())}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.tables.names(); !slices.Equal(got, []string{"b"}) {
		t.Errorf("tables = %v, want [b]", got)
	}
}

// --- bookkeeping ---

func TestWorkflow_RetriesBookkeeping(t *testing.T) {
	h := newHarness(&fakePaths{paths: []dag.Path{{"a"}}}, failing(nil))
	h.records.statusErrs = []error{apperrors.DatabaseError(errors.New("database is locked"))}

	if _, err := runWorkflow(t, h, Input{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.records.status("a"); got != store.ModelCompleted {
		t.Errorf("status(a) = %q, want completed", got)
	}
}

func TestWorkflow_FatalErrorFailsJobs(t *testing.T) {
	h := newHarness(&fakePaths{paths: []dag.Path{{"a"}}}, failing(nil))
	h.records.statusErrs = []error{apperrors.ModelNotFound("a")}

	_, err := runWorkflow(t, h, Input{WorkflowID: "wf-fatal"})
	if !apperrors.HasCode(err, apperrors.ErrCodeModelNotFound) {
		t.Fatalf("expected MODEL_NOT_FOUND, got %v", err)
	}
	if !slices.Equal(h.records.transitions, []store.JobStatus{store.JobFailed}) {
		t.Errorf("transitions = %v, want [failed]", h.records.transitions)
	}
	if h.records.jobErrors[0] == "" {
		t.Error("failed jobs must carry the run error")
	}
	types := h.publisher.types()
	if slices.Contains(types, events.RunStarted) || types[len(types)-1] != events.RunFailed {
		t.Errorf("unexpected events %v", types)
	}
}

func TestWorkflow_EmptyDAGFails(t *testing.T) {
	h := newHarness(&fakePaths{}, failing(nil))

	_, err := runWorkflow(t, h, Input{})
	if !apperrors.HasCode(err, apperrors.ErrCodeEmptyStart) {
		t.Fatalf("expected EMPTY_START, got %v", err)
	}
	if !slices.Equal(h.records.transitions, []store.JobStatus{store.JobFailed}) {
		t.Errorf("transitions = %v, want [failed]", h.records.transitions)
	}
}

// --- cancellation ---

func TestWorkflow_CancellationCancelsJobs(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	m := dag.MaterializerFunc(func(ctx context.Context, _ dag.ModelNode) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	})
	h := newHarness(&fakePaths{paths: []dag.Path{{"a", "b"}}}, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-started
		cancel()
	}()

	_, err := h.workflow.Run(ctx, Input{TeamID: 7})
	if !apperrors.HasCode(err, apperrors.ErrCodeRunCancelled) {
		t.Fatalf("expected RUN_CANCELLED, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cause context.Canceled, got %v", err)
	}
	if !slices.Equal(h.records.transitions, []store.JobStatus{store.JobCancelled}) {
		t.Errorf("transitions = %v, want [cancelled]", h.records.transitions)
	}
	if got := h.records.status("a"); got != store.ModelRunning {
		t.Errorf("cancelled run must not finish statuses, status(a) = %q", got)
	}
	types := h.publisher.types()
	if types[len(types)-1] != events.RunCancelled {
		t.Errorf("unexpected events %v", types)
	}
}
