package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/query"
	"github.com/threshd/threshd/internal/rules"
	"github.com/threshd/threshd/internal/state"
)

// fakeQuerier returns canned samples per expression, or an error.
type fakeQuerier struct {
	mu      sync.Mutex
	samples map[string][]query.Sample
	err     error
	calls   int
}

func (f *fakeQuerier) Query(_ context.Context, expr string, ts time.Time) ([]query.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.samples[expr], nil
}

func (f *fakeQuerier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRule(name string, interval time.Duration) *rules.Rule {
	return &rules.Rule{
		Name:      name,
		Expr:      name + "_expr",
		Op:        rules.OpGT,
		Threshold: 100,
		Interval:  interval,
		Severity:  "warning",
		Receiver:  "ops",
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestScheduler_EvaluatesAndEmitsTransitions(t *testing.T) {
	fq := &fakeQuerier{samples: map[string][]query.Sample{
		"hot_expr": {{Labels: model.LabelSet{"db": "orders"}, Value: 150, Time: time.Now()}},
	}}
	queue := NewQueue(64)
	s := New(fq, queue, time.Second)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ApplyRules(ctx, &rules.Set{Version: 1, Rules: []*rules.Rule{testRule("hot", 10 * time.Millisecond)}})

	waitFor(t, 2*time.Second, func() bool { return len(queue.TryDrain()) > 0 || len(s.Firing()) > 0 })

	firing := s.Firing()
	if len(firing) != 1 {
		t.Fatalf("Firing: got %d, want 1", len(firing))
	}
	if firing[0].Labels["db"] != "orders" {
		t.Errorf("firing labels: got %v", firing[0].Labels)
	}
}

func TestScheduler_QueryFailureLeavesInstancesUnchanged(t *testing.T) {
	fq := &fakeQuerier{samples: map[string][]query.Sample{
		"hot_expr": {{Labels: model.LabelSet{"db": "orders"}, Value: 150, Time: time.Now()}},
	}}
	queue := NewQueue(64)
	s := New(fq, queue, time.Second)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ApplyRules(ctx, &rules.Set{Version: 1, Rules: []*rules.Rule{testRule("hot", 10 * time.Millisecond)}})

	waitFor(t, 2*time.Second, func() bool { return len(s.Firing()) == 1 })

	// Start failing: the firing instance must stay exactly as it was.
	fq.mu.Lock()
	fq.err = &query.QueryError{Expr: "hot_expr", Err: context.DeadlineExceeded}
	fq.mu.Unlock()
	before := fq.callCount()

	waitFor(t, 2*time.Second, func() bool { return fq.callCount() > before+2 })

	if got := s.Firing(); len(got) != 1 {
		t.Fatalf("Firing after query failures: got %d, want 1 (unchanged)", len(got))
	}
	if st := s.Stats(); st.QueryFailures == 0 || st.LastQueryError == "" {
		t.Errorf("Stats: query failures not recorded: %+v", st)
	}
}

func TestScheduler_RemovedRuleEmitsFinalResolution(t *testing.T) {
	fq := &fakeQuerier{samples: map[string][]query.Sample{
		"hot_expr": {{Labels: model.LabelSet{"db": "orders"}, Value: 150, Time: time.Now()}},
	}}
	queue := NewQueue(64)
	s := New(fq, queue, time.Second)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ApplyRules(ctx, &rules.Set{Version: 1, Rules: []*rules.Rule{testRule("hot", 10 * time.Millisecond)}})
	waitFor(t, 2*time.Second, func() bool { return len(s.Firing()) == 1 })
	queue.TryDrain()

	// Reload with the rule gone.
	s.ApplyRules(ctx, &rules.Set{Version: 2, Rules: nil})

	trs := queue.TryDrain()
	if len(trs) != 1 || trs[0].To != state.Resolved {
		t.Fatalf("got %+v, want one final resolution", trs)
	}
	if len(s.Snapshot()) != 0 {
		t.Error("instances remained after rule removal")
	}
	if st := s.Stats(); st.Version != 2 || st.RuleCount != 0 {
		t.Errorf("Stats after reload: %+v", st)
	}
}

func TestScheduler_ReloadKeepsSurvivingInstances(t *testing.T) {
	fq := &fakeQuerier{samples: map[string][]query.Sample{
		"hot_expr": {{Labels: model.LabelSet{"db": "orders"}, Value: 150, Time: time.Now()}},
	}}
	queue := NewQueue(64)
	s := New(fq, queue, time.Second)
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.ApplyRules(ctx, &rules.Set{Version: 1, Rules: []*rules.Rule{testRule("hot", 10 * time.Millisecond)}})
	waitFor(t, 2*time.Second, func() bool { return len(s.Firing()) == 1 })

	// Same rule, new threshold: the in-flight instance survives the reload.
	changed := testRule("hot", 10*time.Millisecond)
	changed.Threshold = 120
	s.ApplyRules(ctx, &rules.Set{Version: 2, Rules: []*rules.Rule{changed}})

	if got := s.Firing(); len(got) != 1 {
		t.Fatalf("Firing after reload: got %d, want 1", len(got))
	}
}
