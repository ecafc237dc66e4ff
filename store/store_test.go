package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/modelrun/dag"
	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{
		DSN:         filepath.Join(t.TempDir(), "store.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	}
	db, err := Open(context.Background(), cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db, logger.NewNop())
}

func seedModel(t *testing.T, s *Store, teamID int64, name string) *SavedModel {
	t.Helper()
	m := &SavedModel{TeamID: teamID, Name: name, Query: "SELECT 1 AS one", Columns: []Column{{Name: "one", Type: "Int64"}}}
	if err := s.SaveModel(context.Background(), m); err != nil {
		t.Fatalf("SaveModel(%s) error = %v", name, err)
	}
	return m
}

// --- config ---

func TestConfig_Defaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Driver != "sqlite" || cfg.MaxOpenConns != 1 || cfg.MaxRetries != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Driver = "oracle" }},
		{"idle above open", func(c *Config) { c.MaxIdleConns = 5 }},
		{"bad lifetime", func(c *Config) { c.ConnMaxLifetime = "forever" }},
		{"bad slow threshold", func(c *Config) { c.SlowQueryThreshold = "slow" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			cfg.ApplyDefaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

// --- paths ---

func TestStore_PathsAndSources(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []dag.Path{{"events", "a", "b"}, {"events", "a", "c"}, {"events", "a", "b"}} {
		if err := s.SavePath(ctx, 1, p); err != nil {
			t.Fatalf("SavePath(%v) error = %v", p, err)
		}
	}
	if err := s.SavePath(ctx, 2, dag.Path{"x"}); err != nil {
		t.Fatalf("SavePath error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.SaveSourceTable(ctx, 1, "events"); err != nil {
			t.Fatalf("SaveSourceTable error = %v", err)
		}
	}

	paths, err := s.DependencyPaths(ctx, 1)
	if err != nil {
		t.Fatalf("DependencyPaths() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 distinct paths, got %v", paths)
	}
	if paths[1][2] != "c" {
		t.Fatalf("paths not in insertion order: %v", paths)
	}

	avail, err := s.AlwaysAvailable(ctx, 1)
	if err != nil {
		t.Fatalf("AlwaysAvailable() error = %v", err)
	}
	if avail.Len() != 1 || !avail.Has("events") {
		t.Fatalf("unexpected sources: %v", avail.Sorted())
	}
}

// --- models ---

func TestStore_ResolveModel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s, 1, "orders")

	byName, err := s.ResolveModel(ctx, 1, dag.NameRef("orders"))
	if err != nil {
		t.Fatalf("ResolveModel(name) error = %v", err)
	}
	if byName.ID != m.ID || len(byName.Columns) != 1 || byName.Columns[0].Type != "Int64" {
		t.Fatalf("unexpected model: %+v", byName)
	}

	byID, err := s.ResolveModel(ctx, 1, dag.IDRef(m.ID))
	if err != nil {
		t.Fatalf("ResolveModel(id) error = %v", err)
	}
	if byID.Name != "orders" {
		t.Fatalf("expected orders, got %s", byID.Name)
	}

	_, err = s.ResolveModel(ctx, 2, dag.NameRef("orders"))
	if !apperrors.HasCode(err, apperrors.ErrCodeModelNotFound) {
		t.Fatalf("expected MODEL_NOT_FOUND for other team, got %v", err)
	}

	name, err := s.CanonicalLabel(ctx, 1, dag.IDRef(m.ID))
	if err != nil || name != "orders" {
		t.Fatalf("CanonicalLabel() = %q, %v", name, err)
	}
}

func TestStore_SaveModelUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := seedModel(t, s, 1, "orders")

	second := &SavedModel{TeamID: 1, Name: "orders", Query: "SELECT 2 AS two", Columns: []Column{{Name: "two", Type: "String"}}}
	if err := s.SaveModel(ctx, second); err != nil {
		t.Fatalf("SaveModel() error = %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same ID, got %s vs %s", second.ID, first.ID)
	}
	got, _ := s.ResolveModel(ctx, 1, dag.NameRef("orders"))
	if got.Query != "SELECT 2 AS two" || got.Columns[0].Name != "two" {
		t.Fatalf("model not updated: %+v", got)
	}
}

func TestStore_SetModelStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedModel(t, s, 1, "orders")
	runAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := s.SetModelStatus(ctx, 1, dag.NameRef("orders"), ModelRunning, runAt); err != nil {
		t.Fatalf("SetModelStatus(running) error = %v", err)
	}
	got, _ := s.ResolveModel(ctx, 1, dag.NameRef("orders"))
	if got.Status != ModelRunning || got.LastRunAt != nil {
		t.Fatalf("running must not set last run: %+v", got)
	}

	if err := s.SetModelStatus(ctx, 1, dag.NameRef("orders"), ModelCompleted, runAt); err != nil {
		t.Fatalf("SetModelStatus(completed) error = %v", err)
	}
	got, _ = s.ResolveModel(ctx, 1, dag.NameRef("orders"))
	if got.Status != ModelCompleted || got.LastRunAt == nil || !got.LastRunAt.Equal(runAt) {
		t.Fatalf("completed must record last run: %+v", got)
	}

	err := s.SetModelStatus(ctx, 1, dag.NameRef("missing"), ModelFailed, runAt)
	if !apperrors.HasCode(err, apperrors.ErrCodeModelNotFound) {
		t.Fatalf("expected MODEL_NOT_FOUND, got %v", err)
	}
}

func TestStore_RecordOutputAndError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s, 1, "orders")

	if err := s.RecordError(ctx, m.ID, "boom"); err != nil {
		t.Fatalf("RecordError() error = %v", err)
	}
	if err := s.RecordOutput(ctx, m.ID, 42, "models/1/orders/run"); err != nil {
		t.Fatalf("RecordOutput() error = %v", err)
	}
	got, _ := s.ResolveModel(ctx, 1, dag.IDRef(m.ID))
	if got.RowCount != 42 || got.Location != "models/1/orders/run" || got.LatestError != "" {
		t.Fatalf("unexpected model: %+v", got)
	}
}

// --- jobs ---

func TestStore_JobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s, 1, "orders")

	job := &Job{TeamID: 1, ModelID: m.ID, ModelName: m.Name, WorkflowID: "wf-1", WorkflowRunID: "run-1"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID == uuid.Nil || job.Status != JobRunning {
		t.Fatalf("job not created running: %+v", job)
	}

	if err := s.CompleteJob(ctx, job.ID, 7); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != JobCompleted || got.RowsMaterialized != 7 || got.LastRunAt == nil {
		t.Fatalf("unexpected job: %+v", got)
	}

	// Transitions happen exactly once.
	err = s.FailJob(ctx, job.ID, "late failure")
	if !apperrors.HasCode(err, apperrors.ErrCodeConflict) {
		t.Fatalf("expected CONFLICT on second transition, got %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.Status != JobCompleted || got.Error != "" {
		t.Fatalf("completed job was modified: %+v", got)
	}
}

func TestStore_GetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob(context.Background(), uuid.New())
	if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestStore_TransitionRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := seedModel(t, s, 1, "orders")

	mk := func(workflowID string) *Job {
		j := &Job{TeamID: 1, ModelID: m.ID, WorkflowID: workflowID}
		if err := s.CreateJob(ctx, j); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
		return j
	}
	running := mk("wf-1")
	done := mk("wf-1")
	other := mk("wf-2")
	if err := s.CompleteJob(ctx, done.ID, 1); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}

	n, err := s.TransitionRunning(ctx, "wf-1", JobCancelled, "")
	if err != nil {
		t.Fatalf("TransitionRunning() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 transitioned job, got %d", n)
	}

	for _, tc := range []struct {
		id   uuid.UUID
		want JobStatus
	}{
		{running.ID, JobCancelled},
		{done.ID, JobCompleted},
		{other.ID, JobRunning},
	} {
		got, _ := s.GetJob(ctx, tc.id)
		if got.Status != tc.want {
			t.Fatalf("job %s: expected %s, got %s", tc.id, tc.want, got.Status)
		}
	}

	n, err = s.TransitionRunning(ctx, "wf-2", JobFailed, "worker lost")
	if err != nil || n != 1 {
		t.Fatalf("TransitionRunning(failed) = %d, %v", n, err)
	}
	got, _ := s.GetJob(ctx, other.ID)
	if got.Status != JobFailed || got.Error != "worker lost" {
		t.Fatalf("unexpected failed job: %+v", got)
	}
}

// --- errors ---

func TestFromDatabase(t *testing.T) {
	if FromDatabase(nil, "x") != nil {
		t.Fatal("nil must map to nil")
	}
	err := FromDatabase(errString("dial tcp: connection refused"), "saved model")
	if !apperrors.HasCode(err, apperrors.ErrCodeDatabaseError) || !apperrors.IsRetryable(err) {
		t.Fatalf("connection errors must be retryable database errors, got %v", err)
	}
	orig := apperrors.ModelNotFound("x")
	if FromDatabase(orig, "saved model") != error(orig) {
		t.Fatal("AppErrors must pass through")
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// --- health ---

func TestDB_CheckHealth(t *testing.T) {
	s := newTestStore(t)
	h := s.DB().CheckHealth(context.Background())
	if h.Status != observability.HealthStatusUp || h.Details["driver"] != "sqlite" {
		t.Fatalf("unexpected health: %+v", h)
	}
}
