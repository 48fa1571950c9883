// Package metrics exposes the agent's own counters in Prometheus format.
//
// Metrics owns a private prometheus.Registry with Go runtime and process
// collectors plus the pgsnap_* series recorded by the send loop. All
// recording methods are no-ops on a nil *Metrics, so components can run
// without instrumentation.
//
// Listen binds the metrics address at startup. Serve runs /metrics and
// /healthz on that listener until its context is cancelled. Summary
// gathers the pgsnap_* families into a flat map for the shutdown log line.
package metrics
