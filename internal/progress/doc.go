// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that workers use to report analysis progress. It batches events on
// a background goroutine and fans them out to pluggable sinks such as the job
// queue, Prometheus metrics, and persistent storage.
package progress
