// Package observability wires OpenTelemetry tracing and metrics into model
// runs.
//
// Tracing:
//
//	tp, err := observability.InitTracer(ctx, cfg, log)
//	defer tp.Shutdown(ctx)
//
//	ctx, span := observability.StartSpan(ctx, "modelrun.materialize")
//	defer span.End()
//
// Metrics:
//
//	mp, err := observability.InitMeter(ctx, cfg, log)
//	defer mp.Shutdown(ctx)
//
//	metrics, err := observability.NewRunMetrics(observability.Meter("modelrun"))
//	metrics.NodeFinished(ctx, "orders", err, duration)
//
// Health:
//
//	health := observability.NewServiceHealth("modelrun", version.Version)
//	health.AddComponent(store.CheckHealth(ctx))
package observability
