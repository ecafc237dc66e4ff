package workflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbukum/modelrun/dag"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/materialize"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/store"
	"github.com/kbukum/modelrun/warehouse"
)

// Records is the part of the record store the lifecycle activities use.
type Records interface {
	ResolveModel(ctx context.Context, teamID int64, ref dag.LabelRef) (*store.SavedModel, error)
	SetModelStatus(ctx context.Context, teamID int64, ref dag.LabelRef, status store.ModelStatus, runAt time.Time) error
	TransitionRunning(ctx context.Context, workflowID string, status store.JobStatus, msg string) (int64, error)
}

// Tables registers external tables over materialized output.
type Tables interface {
	Files(ctx context.Context, teamID int64, label string) (*warehouse.FileIndex, error)
	RegisterTable(ctx context.Context, teamID int64, name string, files []string, columns []queryengine.Column) error
}

// ActivitiesConfig configures the lifecycle activities.
type ActivitiesConfig struct {
	// MaxParallel bounds the concurrent record updates of one activity.
	// Zero means unbounded.
	MaxParallel int `mapstructure:"max_parallel" validate:"gte=0"`
	// NamingConvention is applied to registered table column names.
	NamingConvention string `mapstructure:"-"`
}

// Activities are the run lifecycle steps around the DAG run. Every
// activity is idempotent so the workflow can retry it.
type Activities struct {
	records Records
	tables  Tables
	cfg     ActivitiesConfig
	log     *logger.Logger
}

// NewActivities creates the lifecycle activities.
func NewActivities(records Records, tables Tables, cfg ActivitiesConfig, log *logger.Logger) *Activities {
	if cfg.NamingConvention == "" {
		cfg.NamingConvention = materialize.NamingPreserve
	}
	return &Activities{
		records: records,
		tables:  tables,
		cfg:     cfg,
		log:     log.WithComponent("activities"),
	}
}

func (a *Activities) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.MaxParallel > 0 {
		g.SetLimit(a.cfg.MaxParallel)
	}
	return g, gctx
}

// StartRun marks every selected model of d as running.
func (a *Activities) StartRun(ctx context.Context, teamID int64, d dag.DAG, runAt time.Time) error {
	selected := d.Selected().Sorted()
	g, gctx := a.group(ctx)
	for _, label := range selected {
		g.Go(func() error {
			return a.records.SetModelStatus(gctx, teamID, dag.ParseLabel(label), store.ModelRunning, runAt)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	a.log.WithContext(ctx).Info("run started", logger.Fields(
		logger.FieldTeamID, teamID,
		"selected", len(selected),
	))
	return nil
}

// FinishRun records the final status of each model. Completed models also
// get runAt as their last run time.
func (a *Activities) FinishRun(ctx context.Context, teamID int64, completed, failed dag.LabelSet, runAt time.Time) error {
	g, gctx := a.group(ctx)
	for _, label := range completed.Sorted() {
		g.Go(func() error {
			return a.records.SetModelStatus(gctx, teamID, dag.ParseLabel(label), store.ModelCompleted, runAt)
		})
	}
	for _, label := range failed.Sorted() {
		g.Go(func() error {
			return a.records.SetModelStatus(gctx, teamID, dag.ParseLabel(label), store.ModelFailed, runAt)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	a.log.WithContext(ctx).Info("run finished", logger.Fields(
		logger.FieldTeamID, teamID,
		"completed", completed.Len(),
		"failed", failed.Len(),
	))
	return nil
}

// CreateTables creates or refreshes an external table over the latest
// output of each label.
func (a *Activities) CreateTables(ctx context.Context, teamID int64, labels []string) error {
	g, gctx := a.group(ctx)
	for _, label := range labels {
		g.Go(func() error {
			return a.createTable(gctx, teamID, label)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func (a *Activities) createTable(ctx context.Context, teamID int64, label string) error {
	model, err := a.records.ResolveModel(ctx, teamID, dag.ParseLabel(label))
	if err != nil {
		return err
	}
	// output is written under the model name whatever the label form
	index, err := a.tables.Files(ctx, teamID, model.Name)
	if err != nil {
		return fmt.Errorf("files of %s: %w", model.Name, err)
	}
	columns, err := materialize.OutputColumns(model.Columns, a.cfg.NamingConvention)
	if err != nil {
		return err
	}
	if err := a.tables.RegisterTable(ctx, teamID, model.Name, index.Files, columns); err != nil {
		return fmt.Errorf("register table %s: %w", model.Name, err)
	}
	a.log.WithContext(ctx).Debug("table registered", logger.Fields(
		logger.FieldModel, model.Name,
		"files", len(index.Files),
	))
	return nil
}

// CancelJobs moves the still-running jobs of a workflow to cancelled.
func (a *Activities) CancelJobs(ctx context.Context, workflowID string) (int64, error) {
	n, err := a.records.TransitionRunning(ctx, workflowID, store.JobCancelled, "")
	if err != nil {
		return 0, fmt.Errorf("cancel jobs: %w", err)
	}
	a.log.WithContext(ctx).Info("jobs cancelled", logger.Fields(logger.FieldWorkflowID, workflowID, "jobs", n))
	return n, nil
}

// FailJobs moves the still-running jobs of a workflow to failed with cause
// as their error.
func (a *Activities) FailJobs(ctx context.Context, workflowID string, cause error) (int64, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	n, err := a.records.TransitionRunning(ctx, workflowID, store.JobFailed, msg)
	if err != nil {
		return 0, fmt.Errorf("fail jobs: %w", err)
	}
	a.log.WithContext(ctx).Info("jobs failed", logger.Fields(logger.FieldWorkflowID, workflowID, "jobs", n))
	return n, nil
}
