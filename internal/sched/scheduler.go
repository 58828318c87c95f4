package sched

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/threshd/threshd/internal/metrics"
	"github.com/threshd/threshd/internal/query"
	"github.com/threshd/threshd/internal/rules"
	"github.com/threshd/threshd/internal/state"
)

// Stats is a snapshot of scheduler health counters for the admin health view.
type Stats struct {
	RuleCount        int       `json:"rule_count"`
	Version          int       `json:"rule_set_version"`
	Evaluations      uint64    `json:"evaluations"`
	QueryFailures    uint64    `json:"query_failures"`
	LastQueryError   string    `json:"last_query_error,omitempty"`
	LastQueryErrorAt time.Time `json:"last_query_error_at,omitempty"`
	QueueDropped     uint64    `json:"queue_dropped"`
}

// Scheduler owns the rule machines and the per-interval evaluation loops.
type Scheduler struct {
	querier query.Querier
	queue   *Queue
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	set      *rules.Set
	machines map[string]*state.Machine
	loops    map[time.Duration]context.CancelFunc
	stats    Stats

	wg sync.WaitGroup
}

// New creates a Scheduler that evaluates against q and feeds transitions
// into out. timeout bounds each individual query.
func New(q query.Querier, out *Queue, timeout time.Duration) *Scheduler {
	return &Scheduler{
		querier:  q,
		queue:    out,
		timeout:  timeout,
		now:      time.Now,
		machines: make(map[string]*state.Machine),
		loops:    make(map[time.Duration]context.CancelFunc),
	}
}

// ApplyRules swaps in a new compiled rule set. Loops for intervals no longer
// present are cancelled; machines of removed rules are shut down, emitting a
// final resolution for anything that was firing; machines of surviving rules
// keep their in-flight instances. ctx parents all started loops.
func (s *Scheduler) ApplyRules(ctx context.Context, set *rules.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set = set
	s.stats.Version = set.Version
	s.stats.RuleCount = len(set.Rules)

	keep := make(map[string]bool, len(set.Rules))
	for _, r := range set.Rules {
		keep[r.Name] = true
		if m, ok := s.machines[r.Name]; ok {
			m.SetRule(r)
		} else {
			s.machines[r.Name] = state.NewMachine(r)
		}
	}

	now := s.now()
	for name, m := range s.machines {
		if keep[name] {
			continue
		}
		for _, t := range m.Shutdown(now) {
			s.queue.Push(t)
		}
		delete(s.machines, name)
		slog.Info("sched: rule removed — evaluation cancelled", "rule", name)
	}

	byInterval := set.ByInterval()
	for interval, cancel := range s.loops {
		if _, ok := byInterval[interval]; !ok {
			cancel()
			delete(s.loops, interval)
		}
	}
	for interval := range byInterval {
		if _, ok := s.loops[interval]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		s.loops[interval] = cancel
		s.wg.Add(1)
		go s.runLoop(loopCtx, interval)
	}

	slog.Info("sched: rule set applied",
		"version", set.Version,
		"rules", len(set.Rules),
		"intervals", len(byInterval),
	)
}

// Stop cancels all loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for interval, cancel := range s.loops {
		cancel()
		delete(s.loops, interval)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// runLoop is one evaluation loop: every interval it evaluates all rules
// currently configured with that interval.
func (s *Scheduler) runLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	slog.Info("sched: evaluation loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sched: evaluation loop stopped", "interval", interval)
			return
		case <-ticker.C:
			for _, m := range s.machinesForInterval(interval) {
				s.evaluate(ctx, m)
			}
		}
	}
}

// machinesForInterval returns the machines whose rule currently uses interval.
func (s *Scheduler) machinesForInterval(interval time.Duration) []*state.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*state.Machine
	for _, m := range s.machines {
		if m.Rule().Interval == interval {
			out = append(out, m)
		}
	}
	return out
}

// evaluate runs one rule's query and applies the result to its machine.
// A query failure is isolated: it is logged and counted, and the rule's
// instances are left exactly as they were.
func (s *Scheduler) evaluate(ctx context.Context, m *state.Machine) {
	r := m.Rule()
	now := s.now()

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	samples, err := s.querier.Query(qctx, r.Expr, now)
	cancel()

	metrics.EvaluationsTotal.WithLabelValues(r.Name).Inc()
	s.mu.Lock()
	s.stats.Evaluations++
	s.mu.Unlock()

	if err != nil {
		metrics.QueryFailuresTotal.WithLabelValues(r.Name).Inc()
		s.mu.Lock()
		s.stats.QueryFailures++
		s.stats.LastQueryError = err.Error()
		s.stats.LastQueryErrorAt = now
		s.mu.Unlock()
		slog.Warn("sched: query failed — instances unchanged", "rule", r.Name, "err", err)
		return
	}

	for _, t := range m.Observe(rules.Evaluate(r, samples), now) {
		metrics.TransitionsTotal.WithLabelValues(t.To.String()).Inc()
		s.queue.Push(t)
	}
	metrics.FiringInstances.Set(float64(len(s.Firing())))
}

// Snapshot returns read-only copies of every tracked instance, ordered by
// rule name then label set.
func (s *Scheduler) Snapshot() []state.Instance {
	s.mu.Lock()
	machines := make([]*state.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		machines = append(machines, m)
	}
	s.mu.Unlock()

	var out []state.Instance
	for _, m := range machines {
		out = append(out, m.Snapshot()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Labels.String() < out[j].Labels.String()
	})
	return out
}

// Firing returns snapshots of the currently firing instances. Used by the
// inhibition check at dispatch time.
func (s *Scheduler) Firing() []state.Instance {
	var out []state.Instance
	for _, in := range s.Snapshot() {
		if in.State == state.Firing {
			out = append(out, in)
		}
	}
	return out
}

// Rules returns the currently applied rule set.
func (s *Scheduler) Rules() *rules.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Stats returns a copy of the scheduler health counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	s.mu.Unlock()
	st.QueueDropped = s.queue.Dropped()
	return st
}
