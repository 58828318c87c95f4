// Package rules compiles alert rule definitions into an immutable, versioned
// rule set and evaluates query results against each rule's threshold. Invalid
// rules are rejected individually with a diagnostic; the remaining rules still
// compile. A reload produces a whole new Set — rules are never mutated in place.
package rules
