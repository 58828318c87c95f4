// Package ws streams live alert state to WebSocket clients.
//
// On connect a client receives a full snapshot of the current alert set.
// After that the Hub checks the set every stream interval and broadcasts only
// when it changed, as a delta: alerts that appeared or moved state, and the
// keys of alerts that left the set. Quiet intervals send nothing; the
// ping/pong heartbeat covers connection liveness. Seq increases by one per
// update, so a client that detects a gap reconnects for a fresh snapshot.
//
//	{"event": "snapshot", "seq": 12, "data": {"generated_at": "...", "alerts": [...]}}
//	{"event": "update",   "seq": 13, "data": {"generated_at": "...", "changed": [...], "removed": ["rule/{...}"]}}
//
// Alert objects use the same schema as GET /api/v1/alerts. The upgrader
// accepts all origins; apply CORS restrictions at the reverse proxy. The
// endpoint is mounted at /ws/stream behind the same API-key middleware as the
// REST API.
package ws
