package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/threshd/threshd/internal/config"
)

// Transport delivers a rendered message to a receiver. Implementations must
// be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, rcv config.ReceiverConfig, msg Message) error
}

// WebhookTransport sends notifications to Slack, Teams, or generic HTTP
// webhook targets.
type WebhookTransport struct {
	client *http.Client
}

// NewWebhookTransport creates a WebhookTransport with a 10s request timeout.
func NewWebhookTransport() *WebhookTransport {
	return &WebhookTransport{client: &http.Client{Timeout: 10 * time.Second}}
}

// Send delivers msg to rcv. A missing URL, a transport error, or a 4xx/5xx
// response are all failures.
func (t *WebhookTransport) Send(ctx context.Context, rcv config.ReceiverConfig, msg Message) error {
	url := rcv.EffectiveURL()
	if url == "" {
		return fmt.Errorf("receiver %q: no URL configured", rcv.Name)
	}

	switch rcv.Type {
	case "slack":
		return t.sendSlack(ctx, url, msg)
	case "teams":
		return t.sendTeams(ctx, url, msg)
	case "webhook":
		return t.sendHTTP(ctx, url, msg)
	default:
		return fmt.Errorf("receiver %q: unknown type %q", rcv.Name, rcv.Type)
	}
}

func (t *WebhookTransport) sendSlack(ctx context.Context, url string, msg Message) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
	})
	return t.post(ctx, url, body)
}

func (t *WebhookTransport) sendTeams(ctx context.Context, url string, msg Message) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": messageColor(msg),
		"summary":    msg.Group.RuleName,
		"title":      msg.Title,
		"text":       msg.Body,
	}
	body, _ := json.Marshal(payload)
	return t.post(ctx, url, body)
}

// webhookMember is one alert instance in the generic JSON payload.
// Timestamps are pointers so unset ones drop out of the JSON.
type webhookMember struct {
	Labels     map[string]string `json:"labels"`
	State      string            `json:"state"`
	Value      float64           `json:"value"`
	ActiveAt   *time.Time        `json:"active_at,omitempty"`
	FiredAt    *time.Time        `json:"fired_at,omitempty"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (t *WebhookTransport) sendHTTP(ctx context.Context, url string, msg Message) error {
	members := make([]webhookMember, 0, len(msg.Group.Members))
	for _, m := range msg.Group.Members {
		labels := make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			labels[string(k)] = string(v)
		}
		members = append(members, webhookMember{
			Labels:     labels,
			State:      m.State.String(),
			Value:      m.Value,
			ActiveAt:   timeOrNil(m.ActiveSince),
			FiredAt:    timeOrNil(m.FiredAt),
			ResolvedAt: timeOrNil(m.ResolvedAt),
		})
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":   msg.Kind,
		"rule":     msg.Group.RuleName,
		"severity": msg.Group.Severity,
		"group":    msg.Group.Labels,
		"message":  msg.Body,
		"alerts":   members,
	})
	return t.post(ctx, url, body)
}

func (t *WebhookTransport) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
