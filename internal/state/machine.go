package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/rules"
)

// State is the lifecycle state of an alert instance.
type State int

// Lifecycle states. Inactive instances are not tracked — absence from the
// machine is the Inactive state.
const (
	Inactive State = iota
	Pending
	Firing
	Resolved
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Pending:
		return "pending"
	case Firing:
		return "firing"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Instance is one alert instance: the state of a (rule, label set) pair.
// Values handed out by the machine are snapshots — safe to retain and read
// concurrently, never written again.
type Instance struct {
	Rule        string         `json:"rule"`
	Labels      model.LabelSet `json:"labels"`
	State       State          `json:"-"`
	ActiveSince time.Time      `json:"active_since"`
	FiredAt     time.Time      `json:"fired_at,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at,omitempty"`
	Value       float64        `json:"value"`
}

// Fingerprint returns the identity of the instance within its rule.
func (in *Instance) Fingerprint() model.Fingerprint {
	return in.Labels.Fingerprint()
}

// Transition records one state change of one instance. Instance is the
// snapshot taken immediately after the change.
type Transition struct {
	Rule     *rules.Rule
	From, To State
	At       time.Time
	Instance Instance
}

// Machine tracks the alert instances of a single rule. One evaluation loop is
// the sole writer; the mutex exists so admin snapshots can read concurrently.
type Machine struct {
	mu        sync.Mutex
	rule      *rules.Rule
	instances map[model.Fingerprint]*Instance
}

// NewMachine creates an empty machine for rule.
func NewMachine(rule *rules.Rule) *Machine {
	return &Machine{
		rule:      rule,
		instances: make(map[model.Fingerprint]*Instance),
	}
}

// SetRule swaps the rule definition after a reload. Tracked instances are
// kept — a tuning change should not reset in-flight alerts.
func (m *Machine) SetRule(rule *rules.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rule = rule
}

// Rule returns the current rule definition.
func (m *Machine) Rule() *rules.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rule
}

// Observe applies one evaluation's breach set at time now and returns the
// resulting transitions, in the order they occurred.
//
// Breaching series are upserted: a new series enters Pending, a Pending
// series whose continuous breach has reached the rule's for-duration is
// promoted to Firing, a Firing series has its value refreshed. Tracked series
// absent from the breach set go the other way: Pending drops straight back to
// Inactive (no partial credit), Firing becomes Resolved, and a Resolved
// series left over from the previous cycle is discarded.
func (m *Machine) Observe(breaches []rules.Breach, now time.Time) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transition
	breaching := make(map[model.Fingerprint]bool, len(breaches))

	for _, b := range breaches {
		fp := b.Labels.Fingerprint()
		breaching[fp] = true

		in, ok := m.instances[fp]
		if !ok {
			in = &Instance{
				Rule:        m.rule.Name,
				Labels:      b.Labels,
				State:       Pending,
				ActiveSince: now,
				Value:       b.Value,
			}
			m.instances[fp] = in
			out = append(out, m.transition(in, Inactive, now))
			out = append(out, m.promote(in, now)...)
			continue
		}

		in.Value = b.Value
		switch in.State {
		case Pending:
			out = append(out, m.promote(in, now)...)
		case Firing:
			out = append(out, m.transition(in, Firing, now))
		case Resolved:
			// The series breached again after resolving: the resolved
			// instance is discarded and a fresh one starts Pending.
			in.State = Pending
			in.ActiveSince = now
			in.FiredAt = time.Time{}
			in.ResolvedAt = time.Time{}
			out = append(out, m.transition(in, Inactive, now))
			out = append(out, m.promote(in, now)...)
		default:
			m.dropInconsistent(in, fp)
		}
	}

	for fp, in := range m.instances {
		if breaching[fp] {
			continue
		}
		switch in.State {
		case Pending:
			delete(m.instances, fp)
			in.State = Inactive
			out = append(out, m.transition(in, Pending, now))
		case Firing:
			in.State = Resolved
			in.ResolvedAt = now
			out = append(out, m.transition(in, Firing, now))
		case Resolved:
			// Retained for one cycle after resolving; discard now.
			delete(m.instances, fp)
		default:
			m.dropInconsistent(in, fp)
		}
	}
	return out
}

// promote moves a Pending instance to Firing once its continuous breach has
// lasted at least the rule's for-duration.
func (m *Machine) promote(in *Instance, now time.Time) []Transition {
	if now.Sub(in.ActiveSince) < m.rule.For {
		return nil
	}
	in.State = Firing
	in.FiredAt = now
	return []Transition{m.transition(in, Pending, now)}
}

// transition records a state change of in; in.State already holds the new state.
func (m *Machine) transition(in *Instance, from State, now time.Time) Transition {
	return Transition{
		Rule:     m.rule,
		From:     from,
		To:       in.State,
		At:       now,
		Instance: *in,
	}
}

// dropInconsistent handles the defensive should-be-unreachable case of an
// instance in an unknown state. Tracking for that instance is abandoned; the
// rest of the machine keeps working.
func (m *Machine) dropInconsistent(in *Instance, fp model.Fingerprint) {
	slog.Error("state: instance in inconsistent state — dropping its tracking",
		"rule", in.Rule,
		"labels", in.Labels.String(),
		"state", int(in.State),
		"active_since", in.ActiveSince,
	)
	delete(m.instances, fp)
}

// Shutdown resolves everything the machine tracks, emitting a final
// resolution for each Firing instance, and empties it. Used when the rule is
// removed from the configuration.
func (m *Machine) Shutdown(now time.Time) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transition
	for fp, in := range m.instances {
		if in.State == Firing {
			in.State = Resolved
			in.ResolvedAt = now
			out = append(out, m.transition(in, Firing, now))
		}
		delete(m.instances, fp)
	}
	return out
}

// Snapshot returns copies of all tracked instances, ordered by label set for
// stable output.
func (m *Machine) Snapshot() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Instance, 0, len(m.instances))
	for _, in := range m.instances {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Labels.String() < out[j].Labels.String()
	})
	return out
}
