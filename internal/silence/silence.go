package silence

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/config"
	"github.com/threshd/threshd/internal/state"
)

// ErrNotFound is returned when deleting a silence that does not exist.
var ErrNotFound = errors.New("silence not found")

// Silence suppresses notification dispatch for instances whose labels match
// all Matchers while now is inside [StartsAt, EndsAt).
type Silence struct {
	ID        string    `json:"id"`
	Matchers  []Matcher `json:"matchers"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	Comment   string    `json:"comment,omitempty"`
}

// Active reports whether the silence window covers now.
func (s Silence) Active(now time.Time) bool {
	return !now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// Inhibition suppresses target alerts while a matching source alert is
// firing. Equal lists label names whose values must agree between the firing
// source and the target.
type Inhibition struct {
	SourceMatchers []Matcher
	TargetMatchers []Matcher
	Equal          []model.LabelName
}

// InhibitionsFromConfig compiles configured inhibition rules.
func InhibitionsFromConfig(cfgs []config.InhibitionConfig) ([]Inhibition, error) {
	out := make([]Inhibition, 0, len(cfgs))
	for i, c := range cfgs {
		src, err := ParseMatchers(c.SourceMatchers)
		if err != nil {
			return nil, fmt.Errorf("inhibitions[%d].source_matchers: %w", i, err)
		}
		tgt, err := ParseMatchers(c.TargetMatchers)
		if err != nil {
			return nil, fmt.Errorf("inhibitions[%d].target_matchers: %w", i, err)
		}
		if len(src) == 0 || len(tgt) == 0 {
			return nil, fmt.Errorf("inhibitions[%d]: source and target matchers are both required", i)
		}
		equal := make([]model.LabelName, 0, len(c.Equal))
		for _, name := range c.Equal {
			ln := model.LabelName(name)
			if !ln.IsValid() {
				return nil, fmt.Errorf("inhibitions[%d].equal: invalid label name %q", i, name)
			}
			equal = append(equal, ln)
		}
		out = append(out, Inhibition{SourceMatchers: src, TargetMatchers: tgt, Equal: equal})
	}
	return out, nil
}

// snapshot is the immutable state readers see. Writers build a new snapshot
// and swap the pointer; a reader always observes a complete silence list.
type snapshot struct {
	silences    []Silence
	inhibitions []Inhibition
}

// Store holds silences and inhibition rules. Reads are lock-free against the
// current snapshot; writes are serialized and replace the snapshot atomically.
type Store struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
	now     func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	st := &Store{now: time.Now}
	st.snap.Store(&snapshot{})
	return st
}

// Add validates s, assigns it an ID, and stores it.
func (st *Store) Add(s Silence) (Silence, error) {
	if len(s.Matchers) == 0 {
		return Silence{}, fmt.Errorf("silence: at least one matcher is required")
	}
	if s.StartsAt.IsZero() {
		s.StartsAt = st.now()
	}
	if !s.EndsAt.After(s.StartsAt) {
		return Silence{}, fmt.Errorf("silence: ends_at must be after starts_at")
	}
	s.ID = uuid.NewString()

	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	cur := st.snap.Load()

	next := &snapshot{
		silences:    make([]Silence, 0, len(cur.silences)+1),
		inhibitions: cur.inhibitions,
	}
	// Drop silences that expired more than a day ago while we are here.
	cutoff := st.now().Add(-24 * time.Hour)
	for _, existing := range cur.silences {
		if existing.EndsAt.After(cutoff) {
			next.silences = append(next.silences, existing)
		}
	}
	next.silences = append(next.silences, s)
	st.snap.Store(next)
	return s, nil
}

// Delete removes the silence with the given ID.
func (st *Store) Delete(id string) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	cur := st.snap.Load()

	next := &snapshot{
		silences:    make([]Silence, 0, len(cur.silences)),
		inhibitions: cur.inhibitions,
	}
	found := false
	for _, s := range cur.silences {
		if s.ID == id {
			found = true
			continue
		}
		next.silences = append(next.silences, s)
	}
	if !found {
		return ErrNotFound
	}
	st.snap.Store(next)
	return nil
}

// List returns the stored silences, newest window first.
func (st *Store) List() []Silence {
	cur := st.snap.Load()
	out := make([]Silence, len(cur.silences))
	copy(out, cur.silences)
	return out
}

// SetInhibitions replaces the inhibition rules, typically on config reload.
func (st *Store) SetInhibitions(inhibitions []Inhibition) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	cur := st.snap.Load()
	st.snap.Store(&snapshot{silences: cur.silences, inhibitions: inhibitions})
}

// Suppressed reports whether an instance with the given labels must not be
// dispatched at time now, and the reason ("silence" or "inhibition").
// firing is the current set of firing instances, used for the one-hop
// inhibition lookup — inhibition is never evaluated transitively.
func (st *Store) Suppressed(labels model.LabelSet, now time.Time, firing []state.Instance) (bool, string) {
	cur := st.snap.Load()

	for _, s := range cur.silences {
		if s.Active(now) && MatchAll(s.Matchers, labels) {
			return true, "silence"
		}
	}

	fp := labels.Fingerprint()
	for _, inh := range cur.inhibitions {
		if !MatchAll(inh.TargetMatchers, labels) {
			continue
		}
		for _, src := range firing {
			// An alert never inhibits itself.
			if src.Labels.Fingerprint() == fp {
				continue
			}
			if !MatchAll(inh.SourceMatchers, src.Labels) {
				continue
			}
			if equalLabelsAgree(inh.Equal, src.Labels, labels) {
				return true, "inhibition"
			}
		}
	}
	return false, ""
}

func equalLabelsAgree(names []model.LabelName, a, b model.LabelSet) bool {
	for _, name := range names {
		if a[name] != b[name] {
			return false
		}
	}
	return true
}
