// Package sinks implements concrete progress consumers: Prometheus, a
// publisher-backed summary stream and structured logging. Each sink satisfies
// the progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
