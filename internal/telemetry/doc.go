// Package telemetry provides OpenTelemetry instrumentation for phased.
//
// Tracing and OTLP metric export are disabled by default. When enabled and
// the collector cannot be reached the instance degrades to no-op providers
// instead of failing startup. Components receive tracers from Telemetry.Tracer
// rather than reading the global provider.
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	q := queue.New(db, queue.WithTracer(tt.Tracer("queue")))
//	...
//	tt.AssertSpanExists(t, "queue.ClaimNext")
package telemetry
