// Package metrics exposes threshd's own Prometheus instrumentation:
// evaluation counts, query failures, state transitions, and notification
// delivery outcomes. Served on the admin HTTP port at /metrics.
package metrics
