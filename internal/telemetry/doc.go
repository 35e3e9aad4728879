// Package telemetry provides OpenTelemetry instrumentation for devpilot.
//
// # Overview
//
// Traces and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. When telemetry is disabled or the collector cannot be set up,
// the package falls back to the global no-op providers and reports itself as
// degraded instead of failing startup.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("devpilot/orchestrator").Start(ctx, "phase.Deploy")
//	defer span.End()
package telemetry
