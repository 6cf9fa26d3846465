// Package zap implements the resilience/log facade on top of uber-go/zap.
//
// Records keep their structured fields, and when the context carries an
// OpenTelemetry span the trace and span IDs are appended to every record,
// so log lines can be joined with traces in the backend.
package zap
