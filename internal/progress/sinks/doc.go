// Package sinks implements concrete progress consumers: the job queue, the
// status store, Prometheus, and structured logging. Each sink satisfies the
// progress.Sink interface and is safe for repeated Consume/Close cycles.
package sinks
