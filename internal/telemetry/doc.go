// Package telemetry provides OpenTelemetry tracing and metrics for fixd.
//
// Telemetry is disabled by default. When disabled, Tracer and Meter return
// the global no-op implementations, so instrumented packages never need to
// check whether export is configured.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
