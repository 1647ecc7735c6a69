// Package progress carries harvest progress events from the coordinator and workers to
// pluggable sinks. Emit never blocks; a background goroutine batches events and fans
// them out to sinks such as structured logs or Prometheus collectors.
package progress
