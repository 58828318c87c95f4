package silence

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/config"
	"github.com/threshd/threshd/internal/state"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func mustMatcher(t *testing.T, s string) Matcher {
	t.Helper()
	m, err := ParseMatcher(s)
	if err != nil {
		t.Fatalf("ParseMatcher(%q): %v", s, err)
	}
	return m
}

func newTestStore() *Store {
	st := NewStore()
	st.now = func() time.Time { return baseTime }
	return st
}

func TestParseMatcher(t *testing.T) {
	tests := []struct {
		in       string
		wantName model.LabelName
		wantOp   MatchOp
		wantVal  string
		wantErr  bool
	}{
		{in: `severity="critical"`, wantName: "severity", wantOp: OpEqual, wantVal: "critical"},
		{in: `severity=critical`, wantName: "severity", wantOp: OpEqual, wantVal: "critical"},
		{in: `alertname!=HighRPS`, wantName: "alertname", wantOp: OpNotEqual, wantVal: "HighRPS"},
		{in: `db=~"orders|carts"`, wantName: "db", wantOp: OpRegex, wantVal: "orders|carts"},
		{in: `db!~"test.*"`, wantName: "db", wantOp: OpNotRegex, wantVal: "test.*"},
		{in: `no operator here`, wantErr: true},
		{in: `=value`, wantErr: true},
		{in: `db=~"("`, wantErr: true}, // invalid regex
	}

	for _, tt := range tests {
		m, err := ParseMatcher(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMatcher(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMatcher(%q): %v", tt.in, err)
			continue
		}
		if m.Name != tt.wantName || m.Op != tt.wantOp || m.Value != tt.wantVal {
			t.Errorf("ParseMatcher(%q) = {%s %s %q}, want {%s %s %q}",
				tt.in, m.Name, m.Op, m.Value, tt.wantName, tt.wantOp, tt.wantVal)
		}
	}
}

func TestMatcher_Matches(t *testing.T) {
	labels := model.LabelSet{"severity": "critical", "db": "orders"}

	tests := []struct {
		matcher string
		want    bool
	}{
		{`severity="critical"`, true},
		{`severity="warning"`, false},
		{`severity!="warning"`, true},
		{`db=~"orders|carts"`, true},
		{`db=~"ord"`, false}, // anchored
		{`db!~"test.*"`, true},
		{`missing=""`, true}, // absent label matches empty
		{`missing!=""`, false},
	}

	for _, tt := range tests {
		if got := mustMatcher(t, tt.matcher).Matches(labels); got != tt.want {
			t.Errorf("%s on %v: got %v, want %v", tt.matcher, labels, got, tt.want)
		}
	}
}

func TestMatchAll_EmptyMatchesNothing(t *testing.T) {
	if MatchAll(nil, model.LabelSet{"a": "b"}) {
		t.Error("empty matcher list must not match")
	}
}

func TestStore_AddListDelete(t *testing.T) {
	st := newTestStore()

	s, err := st.Add(Silence{
		Matchers: []Matcher{mustMatcher(t, `alertname="HighRPS"`)},
		EndsAt:   baseTime.Add(time.Hour),
		Comment:  "planned load test",
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.ID == "" {
		t.Fatal("Add did not assign an ID")
	}
	if !s.StartsAt.Equal(baseTime) {
		t.Errorf("StartsAt default: got %v, want now", s.StartsAt)
	}

	if got := st.List(); len(got) != 1 || got[0].ID != s.ID {
		t.Fatalf("List: got %+v", got)
	}

	if err := st.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := st.List(); len(got) != 0 {
		t.Errorf("List after delete: got %d", len(got))
	}
	if err := st.Delete(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete missing: got %v, want ErrNotFound", err)
	}
}

func TestStore_AddRejectsInvalid(t *testing.T) {
	st := newTestStore()

	if _, err := st.Add(Silence{EndsAt: baseTime.Add(time.Hour)}); err == nil {
		t.Error("Add without matchers: expected error")
	}
	if _, err := st.Add(Silence{
		Matchers: []Matcher{mustMatcher(t, `a="b"`)},
		StartsAt: baseTime,
		EndsAt:   baseTime,
	}); err == nil {
		t.Error("Add with empty window: expected error")
	}
}

func TestStore_SuppressedBySilenceWindow(t *testing.T) {
	st := newTestStore()
	labels := model.LabelSet{"alertname": "HighRPS", "db": "orders"}

	_, err := st.Add(Silence{
		Matchers: []Matcher{mustMatcher(t, `alertname="HighRPS"`)},
		StartsAt: baseTime,
		EndsAt:   baseTime.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if ok, reason := st.Suppressed(labels, baseTime.Add(30*time.Minute), nil); !ok || reason != "silence" {
		t.Errorf("inside window: got (%v, %q), want (true, silence)", ok, reason)
	}

	// Immediately after the window ends, dispatch resumes.
	if ok, _ := st.Suppressed(labels, baseTime.Add(time.Hour), nil); ok {
		t.Error("after window: still suppressed")
	}
	if ok, _ := st.Suppressed(labels, baseTime.Add(-time.Minute), nil); ok {
		t.Error("before window: suppressed")
	}

	// Unrelated labels are unaffected.
	if ok, _ := st.Suppressed(model.LabelSet{"alertname": "Other"}, baseTime.Add(time.Minute), nil); ok {
		t.Error("non-matching labels: suppressed")
	}
}

func TestStore_Inhibition(t *testing.T) {
	st := newTestStore()
	inhs, err := InhibitionsFromConfig([]config.InhibitionConfig{{
		SourceMatchers: []string{`severity="critical"`},
		TargetMatchers: []string{`severity="warning"`},
		Equal:          []string{"db"},
	}})
	if err != nil {
		t.Fatalf("InhibitionsFromConfig: %v", err)
	}
	st.SetInhibitions(inhs)

	target := model.LabelSet{"alertname": "SlowQueries", "severity": "warning", "db": "orders"}
	source := state.Instance{
		Rule:   "DBDown",
		Labels: model.LabelSet{"alertname": "DBDown", "severity": "critical", "db": "orders"},
		State:  state.Firing,
	}

	if ok, reason := st.Suppressed(target, baseTime, []state.Instance{source}); !ok || reason != "inhibition" {
		t.Errorf("got (%v, %q), want (true, inhibition)", ok, reason)
	}

	// No firing source → no inhibition.
	if ok, _ := st.Suppressed(target, baseTime, nil); ok {
		t.Error("suppressed without a firing source")
	}

	// Equal label disagrees → no inhibition.
	other := source
	other.Labels = model.LabelSet{"alertname": "DBDown", "severity": "critical", "db": "carts"}
	if ok, _ := st.Suppressed(target, baseTime, []state.Instance{other}); ok {
		t.Error("suppressed although equal label differs")
	}
}

func TestStore_InhibitionNeverSelf(t *testing.T) {
	st := newTestStore()
	inhs, err := InhibitionsFromConfig([]config.InhibitionConfig{{
		SourceMatchers: []string{`severity="critical"`},
		TargetMatchers: []string{`severity="critical"`},
	}})
	if err != nil {
		t.Fatalf("InhibitionsFromConfig: %v", err)
	}
	st.SetInhibitions(inhs)

	labels := model.LabelSet{"alertname": "DBDown", "severity": "critical"}
	self := state.Instance{Rule: "DBDown", Labels: labels, State: state.Firing}

	if ok, _ := st.Suppressed(labels, baseTime, []state.Instance{self}); ok {
		t.Error("alert inhibited itself")
	}
}

func TestInhibitionsFromConfig_Invalid(t *testing.T) {
	if _, err := InhibitionsFromConfig([]config.InhibitionConfig{{
		SourceMatchers: []string{"broken matcher"},
		TargetMatchers: []string{`a="b"`},
	}}); err == nil {
		t.Error("expected error for unparsable matcher")
	}
	if _, err := InhibitionsFromConfig([]config.InhibitionConfig{{
		TargetMatchers: []string{`a="b"`},
	}}); err == nil {
		t.Error("expected error for missing source matchers")
	}
}
