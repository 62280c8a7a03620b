// Package telemetry provides logging, tracing and metrics for variant.
//
// Structured logging uses zerolog, tracing uses OpenTelemetry with stdout or
// OTLP/gRPC exporters, and metrics are Prometheus collectors registered on a
// private registry.
//
// Initialize telemetry at startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.Metrics.StartMetricsServer(ctx, nil); err != nil {
//		return err
//	}
//
// Libraries take a zerolog.Logger (tel.Logger.Zerolog()) and a *Metrics.
// Every Metrics recorder is a no-op on a nil or disabled collector, so
// callers never check before recording.
//
// Key metrics exposed:
//
//   - variant_transitions_total{from,to,event}
//   - variant_hook_failures_total{phase}
//   - variant_errors_total{category,severity}
//   - variant_recovery_attempts_total{strategy,outcome}
//   - variant_circuit_breaker_state{operation}
//   - variant_checkpoints_total{status}
//   - variant_positions_analyzed_total{source}
//   - variant_analysis_duration_seconds{engine}
//   - variant_frontier_size
package telemetry
