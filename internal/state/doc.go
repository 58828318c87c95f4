// Package state implements the per-rule alert state machine. Each Machine
// tracks the instances one rule produces, keyed by label fingerprint, and
// walks them through Inactive → Pending → Firing → Resolved using the rule's
// for-duration. Observe is the single mutation path; everything exposed
// outside the machine is a copy.
package state
