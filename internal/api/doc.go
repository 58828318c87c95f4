// Package api implements the administrative REST interface: a health view
// aggregating query and delivery diagnostics, read-only listings of alert
// instances, notification groups, and rules, and silence management. It never
// mutates evaluation state — silences are the only writable resource.
package api
