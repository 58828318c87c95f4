package group

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/rules"
	"github.com/threshd/threshd/internal/state"
)

// Kind classifies a dispatched group notification.
type Kind string

// Notification kinds.
const (
	KindFiring   Kind = "firing"   // initial dispatch or repeat re-send
	KindUpdate   Kind = "update"   // membership changed after initial dispatch
	KindResolved Kind = "resolved" // every member resolved
)

// Snapshot is the read-only view of a group handed to the notification
// router. Members are instance snapshots ordered by label set.
type Snapshot struct {
	Key      string
	RuleName string
	Receiver string
	Severity string
	Labels   model.LabelSet
	Members  []state.Instance
	Kind     Kind
}

// FiringCount returns how many members are currently firing.
func (s Snapshot) FiringCount() int {
	n := 0
	for _, m := range s.Members {
		if m.State == state.Firing {
			n++
		}
	}
	return n
}

// group is the mutable tracking record for one grouping key.
type group struct {
	key     string
	rule    *rules.Rule
	labels  model.LabelSet
	members map[model.Fingerprint]state.Instance

	createdAt    time.Time
	dispatched   bool
	changed      bool
	lastDispatch time.Time
}

// Engine owns the groups from first member firing to all members resolved.
type Engine struct {
	mu        sync.Mutex
	groups    map[string]*group
	groupWait time.Duration
	now       func() time.Time
}

// NewEngine creates an Engine with the given group-wait window.
func NewEngine(groupWait time.Duration) *Engine {
	return &Engine{
		groups:    make(map[string]*group),
		groupWait: groupWait,
	}
}

// groupLabels projects an instance's labels onto the rule's grouping key.
// An empty grouping key yields an empty projection: all of the rule's
// instances share one global group.
func groupLabels(r *rules.Rule, labels model.LabelSet) model.LabelSet {
	out := make(model.LabelSet, len(r.GroupBy))
	for _, name := range r.GroupBy {
		if v, ok := labels[name]; ok {
			out[name] = v
		}
	}
	return out
}

// groupKey builds the canonical identity of a group. The projected label set
// serializes sorted, so any two instances with the same projection collide.
func groupKey(r *rules.Rule, projected model.LabelSet) string {
	return r.Name + "/" + r.Receiver + "/" + projected.String()
}

// Apply folds a batch of state transitions into the group set. Only Firing
// and Resolved transitions matter here — Pending instances have not fired and
// a Pending reset needs no notification.
func (e *Engine) Apply(trs []state.Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range trs {
		switch t.To {
		case state.Firing, state.Resolved:
		default:
			continue
		}

		projected := groupLabels(t.Rule, t.Instance.Labels)
		key := groupKey(t.Rule, projected)
		g, ok := e.groups[key]
		if !ok {
			if t.To == state.Resolved {
				// Resolution for a group that no longer exists (e.g. it was
				// fully flushed already) — nothing to merge into.
				continue
			}
			g = &group{
				key:       key,
				rule:      t.Rule,
				labels:    projected,
				members:   make(map[model.Fingerprint]state.Instance),
				createdAt: t.At,
				changed:   true,
			}
			e.groups[key] = g
		}
		g.rule = t.Rule

		fp := t.Instance.Fingerprint()
		prev, existed := g.members[fp]
		g.members[fp] = t.Instance

		// A value refresh of an already-firing member is not a membership
		// change; a new member or a state change is.
		if !existed || prev.State != t.Instance.State {
			g.changed = true
		}
	}
}

// Flush returns the groups due for dispatch at time now and advances their
// bookkeeping. Resolved members are dropped after they have been included in
// one dispatched notification; a group with no members left is discarded.
func (e *Engine) Flush(now time.Time) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Snapshot
	for key, g := range e.groups {
		snap, due := e.flushGroup(g, now)
		if !due {
			continue
		}
		out = append(out, snap)

		for fp, m := range g.members {
			if m.State == state.Resolved {
				delete(g.members, fp)
			}
		}
		if len(g.members) == 0 {
			delete(e.groups, key)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// flushGroup decides whether g is due and builds its snapshot.
func (e *Engine) flushGroup(g *group, now time.Time) (Snapshot, bool) {
	resolved := g.allResolved()

	switch {
	case !g.dispatched:
		// Initial dispatch waits out the group-wait window so correlated
		// instances merge into one notification. A group that fully resolved
		// inside the window still emits its resolution.
		if now.Sub(g.createdAt) < e.groupWait {
			return Snapshot{}, false
		}
	case resolved:
		// Full resolution is never rate-limited: exactly one resolution
		// notification, promptly.
	case g.changed:
		if now.Sub(g.lastDispatch) < g.rule.RepeatInterval {
			return Snapshot{}, false
		}
	default:
		// Unchanged and still firing: re-send at the repeat interval so a
		// lost notification cannot orphan a still-firing alert.
		if now.Sub(g.lastDispatch) < g.rule.RepeatInterval {
			return Snapshot{}, false
		}
	}

	kind := KindFiring
	switch {
	case resolved:
		kind = KindResolved
	case g.dispatched && g.changed:
		kind = KindUpdate
	}

	snap := Snapshot{
		Key:      g.key,
		RuleName: g.rule.Name,
		Receiver: g.rule.Receiver,
		Severity: g.rule.Severity,
		Labels:   g.labels,
		Members:  g.memberSnapshots(),
		Kind:     kind,
	}
	g.dispatched = true
	g.changed = false
	g.lastDispatch = now
	return snap, true
}

func (g *group) allResolved() bool {
	for _, m := range g.members {
		if m.State != state.Resolved {
			return false
		}
	}
	return len(g.members) > 0
}

func (g *group) memberSnapshots() []state.Instance {
	out := make([]state.Instance, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Labels.String() < out[j].Labels.String()
	})
	return out
}

// View is the admin-facing summary of one active group.
type View struct {
	Key          string         `json:"key"`
	Rule         string         `json:"rule"`
	Receiver     string         `json:"receiver"`
	Labels       model.LabelSet `json:"labels"`
	Members      int            `json:"members"`
	Firing       int            `json:"firing"`
	Dispatched   bool           `json:"dispatched"`
	LastDispatch time.Time      `json:"last_dispatch,omitempty"`
}

// Views returns read-only summaries of all active groups, ordered by key.
func (e *Engine) Views() []View {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]View, 0, len(e.groups))
	for _, g := range e.groups {
		v := View{
			Key:          g.key,
			Rule:         g.rule.Name,
			Receiver:     g.rule.Receiver,
			Labels:       g.labels,
			Members:      len(g.members),
			Dispatched:   g.dispatched,
			LastDispatch: g.lastDispatch,
		}
		for _, m := range g.members {
			if m.State == state.Firing {
				v.Firing++
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
