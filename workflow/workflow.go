// Package workflow drives one model run end to end.
//
//	BUILD_DAG -> START_RUN -> RUN_DAG -> CREATE_TABLES -> FINISH_RUN
//
// Bookkeeping steps are retried with a bounded policy. The DAG run itself
// is attempted exactly once. A cancelled run moves its running jobs to
// cancelled; any other fatal error moves them to failed. Both re-raise.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kbukum/modelrun/dag"
	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/events"
	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/materialize"
	"github.com/kbukum/modelrun/observability"
	"github.com/kbukum/modelrun/resilience"
)

// Builder builds the run DAG from selectors.
type Builder interface {
	BuildForSelectors(ctx context.Context, teamID int64, selectors []dag.Selector) (dag.DAG, error)
}

// MaterializerFactory creates the node materializer for one run.
type MaterializerFactory func(run materialize.Run) dag.NodeMaterializer

// Config configures the workflow.
type Config struct {
	// MaxParallel bounds concurrently materializing models. Zero means unbounded.
	MaxParallel int `mapstructure:"max_parallel" validate:"gte=0"`
	// ActivityTimeout bounds a single attempt of a bookkeeping step.
	ActivityTimeout time.Duration `mapstructure:"activity_timeout"`
	// Retry is the policy for every bookkeeping step.
	Retry resilience.RetryConfig `mapstructure:"retry"`
}

// ApplyDefaults sets sensible defaults for zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.ActivityTimeout <= 0 {
		c.ActivityTimeout = 5 * time.Minute
	}
	c.Retry.ApplyDefaults()
}

// Input selects what one run materializes.
type Input struct {
	TeamID    int64
	Selectors []dag.Selector
	// WorkflowID identifies the run to its jobs. Generated when empty.
	WorkflowID string
	// RunAt is recorded as the models' last run time. Defaults to now.
	RunAt time.Time
}

// Outcome describes a run that reached FINISH_RUN.
type Outcome struct {
	WorkflowID string
	RunID      string
	Results    *dag.Results
	// Tables lists the labels whose external tables were refreshed.
	Tables   []string
	Duration time.Duration
}

// Workflow runs models of a team.
type Workflow struct {
	builder         Builder
	canonical       dag.LabelCanonicalizer
	activities      *Activities
	newMaterializer MaterializerFactory
	publisher       events.Publisher
	metrics         *observability.RunMetrics
	cfg             Config
	log             *logger.Logger
	now             func() time.Time
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithPublisher publishes lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(w *Workflow) { w.publisher = p }
}

// WithMetrics records node and run metrics.
func WithMetrics(m *observability.RunMetrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithCanonicalizer resolves ID selectors to model names when computing
// which labels were requested.
func WithCanonicalizer(c dag.LabelCanonicalizer) Option {
	return func(w *Workflow) { w.canonical = c }
}

// New creates a Workflow.
func New(builder Builder, activities *Activities, factory MaterializerFactory, cfg Config, log *logger.Logger, opts ...Option) *Workflow {
	cfg.ApplyDefaults()
	w := &Workflow{
		builder:         builder,
		activities:      activities,
		newMaterializer: factory,
		publisher:       events.Nop{},
		cfg:             cfg,
		log:             log.WithComponent("workflow"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one run. Node failures do not fail the run: they are
// reported in the Outcome. The returned error is a run-cancelled AppError
// when ctx ends, or the fatal error of a step.
func (w *Workflow) Run(ctx context.Context, in Input) (out *Outcome, err error) {
	if in.WorkflowID == "" {
		in.WorkflowID = uuid.NewString()
	}
	if in.RunAt.IsZero() {
		in.RunAt = w.now().UTC()
	}
	if len(in.Selectors) == 0 {
		in.Selectors = []dag.Selector{dag.SelectAll()}
	}
	runID := uuid.NewString()
	run := events.Run{TeamID: in.TeamID, WorkflowID: in.WorkflowID, RunID: runID}

	ctx = logger.ContextWithRun(ctx, in.WorkflowID, runID)
	ctx, span := observability.StartSpan(ctx, observability.SpanRun)
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrTeamID, in.TeamID)
	observability.SetSpanAttribute(ctx, observability.AttrWorkflowID, in.WorkflowID)
	observability.SetSpanAttribute(ctx, observability.AttrRunID, runID)

	log := w.log.WithContext(ctx).WithFields(logger.Fields(logger.FieldTeamID, in.TeamID))
	start := time.Now()
	defer func() {
		if err != nil {
			observability.SetSpanError(ctx, err)
		}
		if w.metrics != nil {
			w.metrics.RunFinished(ctx, err, time.Since(start))
		}
	}()

	d, err := resilience.Retry(ctx, w.retry(log, "build_dag"), func() (dag.DAG, error) {
		return w.builder.BuildForSelectors(ctx, in.TeamID, in.Selectors)
	})
	if err != nil {
		return nil, w.abort(ctx, log, run, fmt.Errorf("build dag: %w", err))
	}
	requested, err := w.requested(ctx, in, d)
	if err != nil {
		return nil, w.abort(ctx, log, run, err)
	}

	if err := w.activity(ctx, log, "start_run", func(ctx context.Context) error {
		return w.activities.StartRun(ctx, in.TeamID, d, in.RunAt)
	}); err != nil {
		return nil, w.abort(ctx, log, run, err)
	}
	w.publish(ctx, log, run.NewEvent(events.RunStarted, map[string]interface{}{
		"nodes":    len(d),
		"selected": d.Selected().Sorted(),
	}))

	runner := dag.NewRunner(w.materializer(in, runID), dag.RunnerConfig{MaxParallel: w.cfg.MaxParallel}, w.log, dag.WithObserver(w.observe))
	results, err := runner.Run(ctx, d)
	if err != nil {
		return nil, w.abort(ctx, log, run, err)
	}

	// only selected models are recorded
	selected := d.Selected()
	completed, failed := dag.LabelSet{}, dag.LabelSet{}
	var tables []string
	for _, label := range results.Completed.Sorted() {
		if !selected.Has(label) {
			continue
		}
		completed.Add(label)
		if requested.Has(label) {
			tables = append(tables, label)
		}
	}
	for _, label := range results.AllFailed() {
		if selected.Has(label) {
			failed.Add(label)
		}
	}
	if err := w.activity(ctx, log, "create_tables", func(ctx context.Context) error {
		return w.activities.CreateTables(ctx, in.TeamID, tables)
	}); err != nil {
		return nil, w.abort(ctx, log, run, err)
	}

	if err := w.activity(ctx, log, "finish_run", func(ctx context.Context) error {
		return w.activities.FinishRun(ctx, in.TeamID, completed, failed, in.RunAt)
	}); err != nil {
		return nil, w.abort(ctx, log, run, err)
	}

	w.publishResults(ctx, log, run, results, selected)
	out = &Outcome{
		WorkflowID: in.WorkflowID,
		RunID:      runID,
		Results:    results,
		Tables:     tables,
		Duration:   time.Since(start),
	}
	w.publish(ctx, log, run.NewEvent(events.RunFinished, map[string]interface{}{
		"completed": completed.Sorted(),
		"failed":    failed.Sorted(),
		"tables":    tables,
	}))
	log.Info("run complete", logger.Fields(
		"completed", results.Completed.Len(),
		"failed", results.Failed.Len(),
		"ancestor_failed", results.AncestorFailed.Len(),
		logger.FieldDuration, out.Duration.Milliseconds(),
	))
	return out, nil
}

// requested returns the labels the selectors asked for by name. A wildcard
// requests every selected label.
func (w *Workflow) requested(ctx context.Context, in Input, d dag.DAG) (dag.LabelSet, error) {
	requested := dag.LabelSet{}
	for _, sel := range in.Selectors {
		if sel.IsWildcard() {
			for label := range d.Selected() {
				requested.Add(label)
			}
			continue
		}
		label := sel.Label
		if ref := dag.ParseLabel(label); ref.Kind == dag.ByID && w.canonical != nil {
			name, err := w.canonical.CanonicalLabel(ctx, in.TeamID, ref)
			if err != nil {
				return nil, fmt.Errorf("resolve selector %s: %w", label, err)
			}
			label = name
		}
		requested.Add(label)
	}
	return requested, nil
}

func (w *Workflow) materializer(in Input, runID string) dag.NodeMaterializer {
	m := w.newMaterializer(materialize.Run{TeamID: in.TeamID, WorkflowID: in.WorkflowID, RunID: runID})
	m = dag.WithLogging(m, w.log)
	m = dag.WithTracing(m, "modelrun")
	if w.metrics != nil {
		m = dag.WithMetrics(m, w.metrics)
	}
	return m
}

func (w *Workflow) observe(ctx context.Context, t dag.Transition) {
	if t.Status == dag.StatusAncestorFailed && w.metrics != nil {
		w.metrics.NodeAncestorFailed(ctx, t.Label)
	}
}

// activity runs one bookkeeping step with its timeout and retry policy.
func (w *Workflow) activity(ctx context.Context, log *logger.Logger, name string, fn func(ctx context.Context) error) error {
	ctx, span := observability.StartSpan(ctx, observability.SpanActivity)
	defer span.End()
	observability.SetSpanAttribute(ctx, observability.AttrActivity, name)

	err := resilience.RetryFunc(ctx, w.retry(log, name), func() error {
		actx, cancel := context.WithTimeout(ctx, w.cfg.ActivityTimeout)
		defer cancel()
		return fn(actx)
	})
	if err != nil {
		observability.SetSpanError(ctx, err)
	}
	return err
}

func (w *Workflow) retry(log *logger.Logger, name string) resilience.RetryConfig {
	cfg := w.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("retrying step", logger.Fields(
			logger.FieldOperation, name,
			"attempt", attempt,
			"backoff_ms", backoff.Milliseconds(),
			logger.FieldError, err.Error(),
		))
	}
	return cfg
}

// abort routes a fatal error: cancellation cancels the run's jobs, anything
// else fails them. The error is returned for the caller to re-raise.
func (w *Workflow) abort(ctx context.Context, log *logger.Logger, run events.Run, err error) error {
	cleanup := context.WithoutCancel(ctx)
	retry := w.retry(log, "abort")

	if isCancellation(ctx, err) {
		if !apperrors.HasCode(err, apperrors.ErrCodeRunCancelled) {
			err = apperrors.RunCancelled(err)
		}
		n, cerr := resilience.Retry(cleanup, retry, func() (int64, error) {
			return w.activities.CancelJobs(cleanup, run.WorkflowID)
		})
		if cerr != nil {
			log.Error("cancel jobs failed", logger.ErrorFields("cancel_jobs", cerr))
		}
		log.Warn("run cancelled", logger.Fields("jobs", n))
		w.publish(cleanup, log, run.NewEvent(events.RunCancelled, nil))
		return err
	}

	n, ferr := resilience.Retry(cleanup, retry, func() (int64, error) {
		return w.activities.FailJobs(cleanup, run.WorkflowID, err)
	})
	if ferr != nil {
		log.Error("fail jobs failed", logger.ErrorFields("fail_jobs", ferr))
	}
	log.Error("run failed", logger.Fields(logger.FieldError, err.Error(), "jobs", n))
	w.publish(cleanup, log, run.NewEvent(events.RunFailed, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	}))
	return err
}

func isCancellation(ctx context.Context, err error) bool {
	return apperrors.HasCode(err, apperrors.ErrCodeRunCancelled) ||
		errors.Is(err, context.Canceled) ||
		ctx.Err() != nil
}

func (w *Workflow) publishResults(ctx context.Context, log *logger.Logger, run events.Run, results *dag.Results, selected dag.LabelSet) {
	for _, label := range results.Completed.Sorted() {
		if !selected.Has(label) {
			continue
		}
		w.publish(ctx, log, run.NewEvent(events.ModelCompleted, map[string]interface{}{"model": label}))
	}
	for _, label := range results.Failed.Sorted() {
		data := map[string]interface{}{"model": label}
		if err := results.Errors[label]; err != nil {
			data["error"] = err.Error()
			data["code"] = string(apperrors.CodeOf(err))
		}
		w.publish(ctx, log, run.NewEvent(events.ModelFailed, data))
	}
	for _, label := range results.AncestorFailed.Sorted() {
		if !selected.Has(label) {
			continue
		}
		w.publish(ctx, log, run.NewEvent(events.ModelAncestorFailed, map[string]interface{}{"model": label}))
	}
}

// publish never fails the run; delivery errors are logged.
func (w *Workflow) publish(ctx context.Context, log *logger.Logger, e events.Event) {
	if err := w.publisher.Publish(ctx, e); err != nil {
		log.Warn("event not published", logger.Fields(
			"event_type", e.Type,
			logger.FieldError, err.Error(),
		))
	}
}
