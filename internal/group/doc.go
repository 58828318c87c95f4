// Package group clusters firing and resolved alert instances into
// notification groups by each rule's grouping key. Newly firing instances are
// buffered for the group-wait window and merged into one notification; after
// the initial dispatch, membership changes produce follow-up notifications at
// most once per repeat interval, and a fully resolved group emits its
// resolution immediately.
package group
