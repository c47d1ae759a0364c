// Package telemetry wires the engine's internal counters to OpenTelemetry.
//
// Unlike a networked service, the engine never exports traces or spans of its
// own — there is no request to trace, only a file to mutate. What it does
// need is the same observable-gauge pattern the teacher uses for WAL health:
// a meter obtained once and a handful of callback-driven gauges registered
// against it. Callers that want metrics shipped somewhere real call
// SetMeterProvider with their own OTLP-wired provider; absent that, the
// global no-op provider silently discards everything.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SetMeterProvider installs the global MeterProvider used by Meter.
// Embedders that want metrics exported somewhere call this once during
// startup with a provider wired to their own OTLP/Prometheus exporter.
func SetMeterProvider(mp metric.MeterProvider) {
	otel.SetMeterProvider(mp)
}

// Meter returns the global meter for the given instrumentation scope,
// e.g. telemetry.Meter("memvid/wal").
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}
