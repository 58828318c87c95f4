// Package sched runs the evaluation loops: one goroutine per distinct rule
// interval, each tick querying the metrics source, evaluating its rules, and
// feeding the resulting state transitions into a bounded coalescing queue.
// Rule set reloads swap atomically; loops for removed intervals are cancelled
// and removed rules emit final resolutions for anything still firing.
package sched
