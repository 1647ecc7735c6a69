// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and an in-memory run snapshot served by the status API. Each satisfies
// progress.Sink.
package sinks
