package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "github.com/kbukum/modelrun/errors"
)

// RunMetrics holds the instruments recorded by the runner and workflow.
type RunMetrics struct {
	nodeTotal    metric.Int64Counter
	nodeDuration metric.Float64Histogram
	nodeActive   metric.Int64UpDownCounter
	skippedTotal metric.Int64Counter
	runTotal     metric.Int64Counter
	runDuration  metric.Float64Histogram
}

// NewRunMetrics creates the run instruments on meter.
func NewRunMetrics(meter metric.Meter) (*RunMetrics, error) {
	nodeTotal, err := meter.Int64Counter("modelrun.node.total",
		metric.WithDescription("Materialized nodes by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating modelrun.node.total counter: %w", err)
	}

	nodeDuration, err := meter.Float64Histogram("modelrun.node.duration",
		metric.WithDescription("Duration of node materialization in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating modelrun.node.duration histogram: %w", err)
	}

	nodeActive, err := meter.Int64UpDownCounter("modelrun.node.active",
		metric.WithDescription("Nodes currently materializing"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating modelrun.node.active counter: %w", err)
	}

	skippedTotal, err := meter.Int64Counter("modelrun.node.ancestor_failed",
		metric.WithDescription("Nodes never scheduled because an ancestor failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating modelrun.node.ancestor_failed counter: %w", err)
	}

	runTotal, err := meter.Int64Counter("modelrun.run.total",
		metric.WithDescription("Runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating modelrun.run.total counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram("modelrun.run.duration",
		metric.WithDescription("Duration of whole runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating modelrun.run.duration histogram: %w", err)
	}

	return &RunMetrics{
		nodeTotal:    nodeTotal,
		nodeDuration: nodeDuration,
		nodeActive:   nodeActive,
		skippedTotal: skippedTotal,
		runTotal:     runTotal,
		runDuration:  runDuration,
	}, nil
}

// NodeStarted increments the active node gauge.
func (m *RunMetrics) NodeStarted(ctx context.Context) {
	m.nodeActive.Add(ctx, 1)
}

// NodeFinished records one node outcome. The error code becomes the outcome label.
func (m *RunMetrics) NodeFinished(ctx context.Context, model string, err error, d time.Duration) {
	m.nodeActive.Add(ctx, -1)
	outcome := Outcome(err)
	m.nodeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
	m.nodeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// NodeAncestorFailed counts a node skipped because of an upstream failure.
func (m *RunMetrics) NodeAncestorFailed(ctx context.Context, model string) {
	m.skippedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// RunFinished records one run outcome.
func (m *RunMetrics) RunFinished(ctx context.Context, err error, d time.Duration) {
	outcome := Outcome(err)
	m.runTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Outcome maps an error to a metric label: "ok", its error code, or "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := apperrors.CodeOf(err); code != "" {
		return string(code)
	}
	return "error"
}
