// Package materialize runs one model of a DAG: it resolves the model, runs
// its query through the query engine into durable output and keeps the
// model and job records in step.
package materialize

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/modelrun/dag"
	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/store"
	"github.com/kbukum/modelrun/warehouse"
)

// Records is the model and job record store.
type Records interface {
	ResolveModel(ctx context.Context, teamID int64, ref dag.LabelRef) (*store.SavedModel, error)
	RecordOutput(ctx context.Context, modelID uuid.UUID, rows int64, location string) error
	RecordError(ctx context.Context, modelID uuid.UUID, msg string) error

	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, rows int64) error
	FailJob(ctx context.Context, id uuid.UUID, msg string) error
}

// QueryEngine executes a model query into a sink.
type QueryEngine interface {
	Execute(ctx context.Context, req queryengine.Request) (*queryengine.Output, error)
}

// Output is the durable output store.
type Output interface {
	NewWriter(teamID int64, label, runID string) *warehouse.Writer
	Commit(ctx context.Context, wr *warehouse.Writer) (*warehouse.Manifest, error)
	Abort(ctx context.Context, wr *warehouse.Writer) error
	Compact(ctx context.Context, teamID int64, label string) (*warehouse.Manifest, error)
	RegisterFiles(ctx context.Context, teamID int64, label string) ([]string, error)
	CountRows(ctx context.Context, teamID int64, label string) (int64, error)
}

// Config configures materialization.
type Config struct {
	// NamingConvention is applied to output column names: preserve or snake_case.
	NamingConvention string `mapstructure:"naming_convention" validate:"omitempty,oneof=preserve snake_case"`
	// Timeout bounds one model's materialization. Zero means no timeout.
	Timeout time.Duration `mapstructure:"timeout"`
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.NamingConvention == "" {
		c.NamingConvention = NamingPreserve
	}
}

// Run identifies one orchestration run.
type Run struct {
	TeamID     int64
	WorkflowID string
	RunID      string
}

// Materializer materializes models of one run.
type Materializer struct {
	records Records
	engine  QueryEngine
	output  Output
	cfg     Config
	run     Run
	log     *logger.Logger
}

// New creates a Materializer for run.
func New(records Records, engine QueryEngine, output Output, cfg Config, run Run, log *logger.Logger) *Materializer {
	cfg.ApplyDefaults()
	return &Materializer{
		records: records,
		engine:  engine,
		output:  output,
		cfg:     cfg,
		run:     run,
		log:     log.WithComponent("materializer"),
	}
}

var _ dag.NodeMaterializer = (*Materializer)(nil)

// Materialize runs node. Unselected nodes complete without any work.
func (m *Materializer) Materialize(ctx context.Context, node dag.ModelNode) error {
	if !node.Selected {
		return nil
	}
	runCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	model, err := m.records.ResolveModel(ctx, m.run.TeamID, dag.ParseLabel(node.Label))
	if err != nil {
		return err
	}

	job := &store.Job{
		TeamID:        m.run.TeamID,
		ModelID:       model.ID,
		ModelName:     model.Name,
		WorkflowID:    m.run.WorkflowID,
		WorkflowRunID: m.run.RunID,
	}
	modelLog := m.log.WithContext(ctx).WithFields(logger.Fields(logger.FieldModel, model.Name))
	if err := m.records.CreateJob(ctx, job); err != nil {
		return m.fail(runCtx, modelLog, model, nil, err)
	}
	log := modelLog.WithFields(logger.Fields(logger.FieldJobID, job.ID.String()))

	rows, location, err := m.write(ctx, model)
	if err != nil {
		return m.fail(runCtx, log, model, job, err)
	}

	current, err := m.records.GetJob(ctx, job.ID)
	if err != nil {
		return m.fail(runCtx, log, model, job, err)
	}
	if current.Status == store.JobCancelled {
		log.Warn("job cancelled during materialization")
		return apperrors.JobCancelled(node.Label, job.ID.String())
	}

	if err := m.records.RecordOutput(ctx, model.ID, rows, location); err != nil {
		return m.fail(runCtx, log, model, job, err)
	}
	if err := m.records.CompleteJob(ctx, job.ID, rows); err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeConflict) {
			return m.settledElsewhere(runCtx, log, node.Label, model, job, err)
		}
		return m.fail(runCtx, log, model, job, err)
	}

	log.Info("model materialized", logger.Fields(logger.FieldRows, rows))
	return nil
}

// write executes the model query and maintains the output. It returns the
// row count and the location of the output.
func (m *Materializer) write(ctx context.Context, model *store.SavedModel) (int64, string, error) {
	cols, err := OutputColumns(model.Columns, m.cfg.NamingConvention)
	if err != nil {
		return 0, "", err
	}

	wr := m.output.NewWriter(m.run.TeamID, model.Name, m.run.RunID)
	if _, err := m.engine.Execute(ctx, queryengine.Request{
		Label:   model.Name,
		Query:   model.Query,
		Columns: cols,
		Sink:    wr,
	}); err != nil {
		if abortErr := m.output.Abort(context.WithoutCancel(ctx), wr); abortErr != nil {
			m.log.Warn("discarding partial output failed", logger.ErrorFields("abort_output", abortErr))
		}
		return 0, "", err
	}

	manifest, err := m.output.Commit(ctx, wr)
	if err != nil {
		return 0, "", err
	}
	if _, err := m.output.Compact(ctx, m.run.TeamID, model.Name); err != nil {
		return 0, "", err
	}
	if _, err := m.output.RegisterFiles(ctx, m.run.TeamID, model.Name); err != nil {
		return 0, "", err
	}
	rows, err := m.output.CountRows(ctx, m.run.TeamID, model.Name)
	if err != nil {
		return 0, "", err
	}
	return rows, manifest.Dir, nil
}

// settledElsewhere handles a job another actor finished before this
// materializer could complete it. Only a cancelled job is reported as
// cancelled; any other final state is a failure of this node.
func (m *Materializer) settledElsewhere(runCtx context.Context, log *logger.Logger, label string, model *store.SavedModel, job *store.Job, err error) error {
	bg := context.WithoutCancel(runCtx)
	current, getErr := m.records.GetJob(bg, job.ID)
	if getErr == nil && current.Status == store.JobCancelled {
		log.Warn("job cancelled before completion")
		return apperrors.JobCancelled(label, job.ID.String()).WithCause(err)
	}

	nodeErr := apperrors.MaterializationFailed(model.Name, err)
	if recErr := m.records.RecordError(bg, model.ID, nodeErr.Message); recErr != nil {
		log.Warn("recording model error failed", logger.ErrorFields("record_error", recErr))
	}
	log.Error("job finished by another actor", logger.Fields(logger.FieldError, err.Error()))
	return nodeErr
}

// fail classifies err, records it on the model and the job, and returns
// the node error. job is nil when it was never created. When the run
// itself is cancelled the job is left running for the cancellation path
// to settle.
func (m *Materializer) fail(runCtx context.Context, log *logger.Logger, model *store.SavedModel, job *store.Job, err error) error {
	nodeErr := classify(model.Name, err)
	if runCtx.Err() != nil {
		return nodeErr
	}

	bg := context.WithoutCancel(runCtx)
	if recErr := m.records.RecordError(bg, model.ID, nodeErr.Message); recErr != nil {
		log.Warn("recording model error failed", logger.ErrorFields("record_error", recErr))
	}
	if job != nil {
		if jobErr := m.records.FailJob(bg, job.ID, nodeErr.Message); jobErr != nil {
			log.Warn("failing job record failed", logger.ErrorFields("fail_job", jobErr))
		}
	}
	log.Error("model failed", logger.Fields(
		logger.FieldError, err.Error(),
		"code", string(nodeErr.Code),
	))
	return nodeErr
}

// classify maps a materialization error onto its category.
func classify(label string, err error) *apperrors.AppError {
	switch {
	case errors.Is(err, queryengine.ErrResourceLimit):
		return apperrors.ResourceLimit(label, err)
	case errors.Is(err, queryengine.ErrTypeCoercion):
		return apperrors.TypeCoercion(label, err)
	}
	if appErr, ok := apperrors.AsAppError(err); ok && appErr.Code == apperrors.ErrCodeUnknownColumnType {
		return appErr
	}
	return apperrors.MaterializationFailed(label, err)
}
