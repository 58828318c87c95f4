// Package silence holds operator-defined suppression state: time-windowed
// silences created through the admin API and inhibition relationships from
// the configuration. Suppression is consulted at dispatch time only — it
// never touches alert instance state. Readers work against an atomically
// replaced snapshot, so a concurrent update is never observed half-applied.
package silence
