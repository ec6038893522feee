// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, and health checks for the Deli Counter API.
package observability
