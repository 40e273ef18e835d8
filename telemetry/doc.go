// Package telemetry sets up OpenTelemetry tracing and metrics for the engine.
//
// When telemetry is disabled every tracer and instrument is a no-op, so
// components can record spans and measurements unconditionally.
//
// Usage:
//
//	p, err := telemetry.Init(ctx, cfg.Telemetry)
//	defer p.Shutdown(ctx)
//	ctx, span := telemetry.StartSpan(ctx, p.Tracer, "task.run", telemetry.AttrTaskID.String(id))
package telemetry
