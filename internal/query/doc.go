// Package query implements the metric query client. A Querier answers rule
// expressions with samples; two implementations exist: an instant-query client
// for a Prometheus-compatible HTTP API, and a direct scraper that evaluates
// simple selectors against text-exposition /metrics endpoints. Query failures
// surface as *QueryError, distinct from an empty result.
package query
