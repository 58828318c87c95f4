package sched

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/common/model"

	"github.com/threshd/threshd/internal/metrics"
	"github.com/threshd/threshd/internal/state"
)

// Key identifies one alert instance across the whole engine.
type Key struct {
	Rule        string
	Fingerprint model.Fingerprint
}

// Queue decouples evaluation from grouping/dispatch. It is bounded: under
// back-pressure transitions coalesce per instance — a newer transition for an
// instance replaces the queued one, keeping the original From state so the
// merged record still spans the full change. Only when the number of distinct
// queued instances exceeds the capacity are new transitions dropped.
type Queue struct {
	mu      sync.Mutex
	cap     int
	pending map[Key]state.Transition
	signal  chan struct{}
	dropped uint64
}

// NewQueue creates a Queue holding at most capacity distinct instances.
func NewQueue(capacity int) *Queue {
	return &Queue{
		cap:     capacity,
		pending: make(map[Key]state.Transition),
		signal:  make(chan struct{}, 1),
	}
}

// Push enqueues t, coalescing with any queued transition for the same instance.
func (q *Queue) Push(t state.Transition) {
	key := Key{Rule: t.Instance.Rule, Fingerprint: t.Instance.Fingerprint()}

	q.mu.Lock()
	if prev, ok := q.pending[key]; ok {
		t.From = prev.From
		q.pending[key] = t
	} else if len(q.pending) < q.cap {
		q.pending[key] = t
	} else {
		q.dropped++
		metrics.QueueDroppedTotal.Inc()
		slog.Warn("queue: transition dropped — queue full",
			"rule", t.Instance.Rule,
			"labels", t.Instance.Labels.String(),
			"capacity", q.cap,
		)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain blocks until at least one transition is queued or ctx is done, then
// returns everything queued, ordered by transition time. A nil return means
// the context was cancelled.
func (q *Queue) Drain(ctx context.Context) []state.Transition {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			out := make([]state.Transition, 0, len(q.pending))
			for _, t := range q.pending {
				out = append(out, t)
			}
			q.pending = make(map[Key]state.Transition)
			q.mu.Unlock()

			sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
			return out
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-q.signal:
		}
	}
}

// TryDrain is Drain without blocking: it returns nil when nothing is queued.
func (q *Queue) TryDrain() []state.Transition {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := make([]state.Transition, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, t)
	}
	q.pending = make(map[Key]state.Transition)
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Dropped returns how many transitions have been dropped since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
