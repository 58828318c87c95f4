// Package notify routes alert groups to receivers and delivers rendered
// notifications over webhooks (Slack, Teams, or generic HTTP). Delivery is
// at-least-once: failures retry with exponential backoff on a time basis —
// a failed dispatch reschedules itself instead of occupying the pipeline —
// and exhausted retries surface as a delivery-failed diagnostic in the health
// view. Silences and inhibitions are consulted at dispatch time.
package notify
