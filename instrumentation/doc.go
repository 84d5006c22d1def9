// Package instrumentation wires OpenTelemetry tracing and metrics for ptero-auth.
//
// Every layer obtains a scoped tracer or meter from a shared Instrumentation:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    Enabled:         true,
//	    ServiceVersion:  version,
//	    MetricsExporter: instrumentation.ExporterPrometheus,
//	    TracesExporter:  instrumentation.ExporterOTLP,
//	    OTLPEndpoint:    "otel-collector:4318",
//	})
//	if err != nil {
//	    return err
//	}
//	defer inst.Shutdown(ctx)
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// Scopes in use are "http", "server", "security", "storage" and "provider".
// When Enabled is false the no-op providers are installed and every
// recording call is free.
//
// Metrics are exported through the OpenTelemetry Prometheus exporter into a
// private registry; spans are exported over OTLP/HTTP. Credentials are never
// recorded as attributes.
package instrumentation
