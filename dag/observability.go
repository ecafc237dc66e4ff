package dag

import (
	"context"
	"time"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

// WithTracing wraps a NodeMaterializer with a span per selected node,
// named "{prefix}.materialize".
func WithTracing(m NodeMaterializer, prefix string) NodeMaterializer {
	return &tracingMaterializer{inner: m, prefix: prefix}
}

type tracingMaterializer struct {
	inner  NodeMaterializer
	prefix string
}

func (t *tracingMaterializer) Materialize(ctx context.Context, node ModelNode) error {
	if !node.Selected {
		return t.inner.Materialize(ctx, node)
	}
	ctx, span := observability.StartSpan(ctx, t.prefix+".materialize")
	defer span.End()

	observability.SetSpanAttribute(ctx, observability.AttrModel, node.Label)

	err := t.inner.Materialize(ctx, node)
	if err != nil {
		observability.SetSpanError(ctx, err)
	}
	return err
}

// WithMetrics wraps a NodeMaterializer with outcome and duration recording.
func WithMetrics(m NodeMaterializer, metrics *observability.RunMetrics) NodeMaterializer {
	return &metricsMaterializer{inner: m, metrics: metrics}
}

type metricsMaterializer struct {
	inner   NodeMaterializer
	metrics *observability.RunMetrics
}

func (mm *metricsMaterializer) Materialize(ctx context.Context, node ModelNode) error {
	if !node.Selected {
		return mm.inner.Materialize(ctx, node)
	}
	mm.metrics.NodeStarted(ctx)
	start := time.Now()
	err := mm.inner.Materialize(ctx, node)
	mm.metrics.NodeFinished(ctx, node.Label, err, time.Since(start))
	return err
}

// WithLogging wraps a NodeMaterializer with per-node logging.
func WithLogging(m NodeMaterializer, log *logger.Logger) NodeMaterializer {
	return &loggingMaterializer{inner: m, log: log.WithComponent("materializer")}
}

type loggingMaterializer struct {
	inner NodeMaterializer
	log   *logger.Logger
}

func (l *loggingMaterializer) Materialize(ctx context.Context, node ModelNode) error {
	start := time.Now()
	err := l.inner.Materialize(ctx, node)

	fields := logger.Fields(
		logger.FieldModel, node.Label,
		"selected", node.Selected,
		logger.FieldDuration, time.Since(start).Milliseconds(),
	)
	log := l.log.WithContext(ctx)
	if err != nil {
		fields[logger.FieldError] = err.Error()
		log.Error("model failed", fields)
	} else {
		log.Debug("model completed", fields)
	}
	return err
}
