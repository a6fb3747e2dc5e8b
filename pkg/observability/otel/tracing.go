//go:build !otelotlp

// Package otelobs provides optional OTLP tracing for the coordinator.
// The default build compiles to no-ops; build with -tags otelotlp to
// export traces.
package otelobs

import "context"

// InitTracer is a no-op by default. Build with -tags otelotlp to enable
// the OTLP exporter.
func InitTracer(serviceName string) func(context.Context) error {
	return func(context.Context) error { return nil }
}
