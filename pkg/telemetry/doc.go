// Package telemetry provides logging, tracing, and metrics for drplane.
//
// # Architecture
//
//  1. Structured Logging - zerolog with component and deployment fields
//  2. Distributed Tracing - OpenTelemetry with stdout or OTLP gRPC export
//  3. Metrics Collection - Prometheus collectors served by the API
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Components take a zerolog.Logger:
//
//	hub := fanout.NewHub(tel.Logger.Component("fanout"), tel.Metrics)
//
// # Metrics
//
// Metrics satisfies the recorder interfaces of the engine, fanout, and
// credentials packages, so one instance is passed to each of them. Exposed
// series, all prefixed with the configured namespace:
//
//   - deployments_started_total{operation}
//   - deployments_completed_total{operation,status}
//   - deployment_duration_seconds{operation,status}
//   - phase_duration_seconds{phase,outcome}
//   - active_runs, scheduler_panics_total
//   - fanout_subscribers, fanout_events_published_total{type}, fanout_events_dropped_total{type}
//   - credential_assumptions_total{outcome}
//   - http_requests_total{method,route,code}, http_request_duration_seconds{method,route}
//
// # Tracing
//
// NewTracer installs its provider globally. The engine opens a
// deployment.run span per pipeline and a deployment.phase span per tool
// invocation; the API opens one server span per request.
package telemetry
