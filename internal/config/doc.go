// Package config loads and validates the threshd YAML configuration.
//
// Top-level sections:
//   - server:      HTTPPort (default 8080), Auth.Mode "apikey"/"none" with
//     Auth.KeyEnv + Auth.Header (default "x-api-key"), StreamInterval for the
//     WebSocket hub (default 5s)
//   - source:      Mode "prometheus" (instant queries against URL) or "scrape"
//     (fetch text exposition from Targets), Timeout (default 10s), outbound
//     Auth (apikey/bearer/basic, secrets resolved from the environment), TLS
//   - route:       GroupWait (30s), RepeatInterval (4h), QueueCapacity (1024),
//     MaxAttempts (5), RetryBackoff (5s), DefaultReceiver
//   - receivers:   named destinations of type slack, teams, or webhook; the
//     URL is read from URLEnv when set, Template overrides the message body
//   - inhibitions: source/target matcher lists plus Equal label names
//   - rules:       the alert rules; per-rule validation happens at compile
//     time so one bad rule never rejects the file
//
// Load(path) applies defaults before unmarshalling, then validates. A file
// that fails validation never replaces the running configuration. Watch
// provides fsnotify-based hot reload with the same guarantee.
package config
