package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/config"
	"github.com/threshd/threshd/internal/group"
	"github.com/threshd/threshd/internal/notify"
	"github.com/threshd/threshd/internal/query"
	"github.com/threshd/threshd/internal/rules"
	"github.com/threshd/threshd/internal/sched"
	"github.com/threshd/threshd/internal/silence"
	"github.com/threshd/threshd/internal/state"
)

// staticQuerier always returns the same samples.
type staticQuerier struct {
	samples []query.Sample
}

func (s *staticQuerier) Query(context.Context, string, time.Time) ([]query.Sample, error) {
	return s.samples, nil
}

// noopTransport drops every message successfully.
type noopTransport struct{}

func (noopTransport) Send(context.Context, config.ReceiverConfig, notify.Message) error { return nil }

// newTestHandler builds a handler over a running scheduler with one firing rule.
func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	q := &staticQuerier{samples: []query.Sample{
		{Labels: model.LabelSet{"db": "orders"}, Value: 150, Time: time.Now()},
	}}
	queue := sched.NewQueue(64)
	s := sched.New(q, queue, time.Second)
	t.Cleanup(s.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rule := &rules.Rule{
		Name: "HighDBRPS", Expr: "db_rps", Op: rules.OpGT, Threshold: 100,
		Interval: 10 * time.Millisecond, Severity: "warning", Receiver: "ops",
		RepeatInterval: time.Hour,
	}
	s.ApplyRules(ctx, &rules.Set{Version: 1, Rules: []*rules.Rule{rule}})

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Firing()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(s.Firing()) == 0 {
		t.Fatal("test rule never fired")
	}

	groups := group.NewEngine(0)
	silences := silence.NewStore()
	router := notify.New(queue, groups, silences, s.Firing, noopTransport{}, config.RouteConfig{
		MaxAttempts:  1,
		RetryBackoff: model.Duration(time.Second),
	})
	return New(s, groups, silences, router)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)

	rec := get(t, h, "/api/v1/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("Status: got %q, want ok", resp.Status)
	}
	if resp.FiringInstances != 1 {
		t.Errorf("FiringInstances: got %d, want 1", resp.FiringInstances)
	}
	if resp.Evaluation.Evaluations == 0 {
		t.Error("Evaluation.Evaluations: got 0")
	}
}

func TestAlerts(t *testing.T) {
	h := newTestHandler(t)

	rec := get(t, h, "/api/v1/alerts")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	var alerts []AlertResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(alerts))
	}
	if alerts[0].State != state.Firing.String() {
		t.Errorf("State: got %q", alerts[0].State)
	}
	if alerts[0].Labels["db"] != "orders" {
		t.Errorf("Labels: got %v", alerts[0].Labels)
	}

	// Filtered listing.
	rec = get(t, h, "/api/v1/alerts?state=pending")
	alerts = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("pending filter: got %d, want 0", len(alerts))
	}
}

func TestRules(t *testing.T) {
	h := newTestHandler(t)

	rec := get(t, h, "/api/v1/rules")
	var out []RuleResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Name != "HighDBRPS" {
		t.Fatalf("rules: got %+v", out)
	}
	if out[0].Op != ">" || out[0].Threshold != 100 {
		t.Errorf("rule fields: %+v", out[0])
	}
}

func TestSilencesCRUD(t *testing.T) {
	h := newTestHandler(t)

	// Create.
	body := `{"matchers":["alertname=\"HighDBRPS\""],"ends_at":"2030-01-01T00:00:00Z","comment":"maintenance"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/silences", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body)
	}
	var created silence.Silence
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" {
		t.Fatal("create: no ID assigned")
	}

	// List.
	rec = get(t, h, "/api/v1/silences")
	var list []silence.Silence
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list: got %+v", list)
	}

	// Delete.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/silences/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rec.Code)
	}

	// Delete again → 404.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/silences/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("delete missing: got %d", rec.Code)
	}
}

func TestSilences_InvalidBody(t *testing.T) {
	h := newTestHandler(t)

	tests := []string{
		`not json`,
		`{"matchers":[],"ends_at":"2030-01-01T00:00:00Z"}`,
		`{"matchers":["no operator"],"ends_at":"2030-01-01T00:00:00Z"}`,
	}
	for _, body := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/silences", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: got %d, want 400", body, rec.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/alerts", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST alerts: got %d, want 405", rec.Code)
	}
}
