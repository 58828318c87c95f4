package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"text/template"
	"time"

	"github.com/threshd/threshd/internal/config"
	"github.com/threshd/threshd/internal/group"
	"github.com/threshd/threshd/internal/metrics"
	"github.com/threshd/threshd/internal/sched"
	"github.com/threshd/threshd/internal/silence"
	"github.com/threshd/threshd/internal/state"
)

const defaultFlushInterval = time.Second

// DispatchError reports a notification whose delivery attempts are exhausted.
type DispatchError struct {
	Receiver string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %q failed after %d attempts: %v", e.Receiver, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Stats is a snapshot of router health counters for the admin health view.
type Stats struct {
	Sent                uint64    `json:"sent"`
	Failed              uint64    `json:"failed_attempts"`
	Exhausted           uint64    `json:"exhausted"`
	Suppressed          uint64    `json:"suppressed"`
	PendingRetries      int       `json:"pending_retries"`
	LastDeliveryError   string    `json:"last_delivery_error,omitempty"`
	LastDeliveryErrorAt time.Time `json:"last_delivery_error_at,omitempty"`
}

// receiverEntry is a receiver with its compiled message template.
type receiverEntry struct {
	cfg  config.ReceiverConfig
	tmpl *template.Template
}

// delivery is one in-flight notification awaiting (re)delivery.
type delivery struct {
	receiver    config.ReceiverConfig
	msg         Message
	attempts    int
	nextAttempt time.Time
	lastErr     error
}

// Router consumes state transitions, folds them into groups, filters
// suppressed instances, renders messages, and dispatches them. It is the
// single consumer of the transition queue.
type Router struct {
	queue     *sched.Queue
	groups    *group.Engine
	silences  *silence.Store
	firing    func() []state.Instance
	transport Transport

	flushInterval time.Duration
	maxAttempts   int
	backoff       time.Duration
	now           func() time.Time

	mu        sync.Mutex
	receivers map[string]receiverEntry
	retries   []*delivery
	stats     Stats
}

// New creates a Router. firing provides the currently firing instances for
// the inhibition check; route supplies retry and backoff tuning.
func New(
	queue *sched.Queue,
	groups *group.Engine,
	silences *silence.Store,
	firing func() []state.Instance,
	transport Transport,
	route config.RouteConfig,
) *Router {
	return &Router{
		queue:         queue,
		groups:        groups,
		silences:      silences,
		firing:        firing,
		transport:     transport,
		flushInterval: defaultFlushInterval,
		maxAttempts:   route.MaxAttempts,
		backoff:       time.Duration(route.RetryBackoff),
		now:           time.Now,
		receivers:     make(map[string]receiverEntry),
	}
}

// SetReceivers replaces the receiver table, compiling per-receiver templates.
// Called at startup and on config reload.
func (r *Router) SetReceivers(cfgs []config.ReceiverConfig) error {
	table := make(map[string]receiverEntry, len(cfgs))
	for _, rc := range cfgs {
		tmpl, err := parseTemplate(rc.Template)
		if err != nil {
			return fmt.Errorf("receiver %q: %w", rc.Name, err)
		}
		table[rc.Name] = receiverEntry{cfg: rc, tmpl: tmpl}
	}

	r.mu.Lock()
	r.receivers = table
	r.mu.Unlock()
	return nil
}

// Run drives the dispatch pipeline until ctx is cancelled: one goroutine
// drains the transition queue into the grouping engine, another flushes due
// groups and works off scheduled retries on a fixed tick. A slow transport
// never delays the drain side.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			trs := r.queue.Drain(ctx)
			if trs == nil {
				return
			}
			r.groups.Apply(trs)
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(r.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()

	wg.Wait()
}

// tick dispatches due groups and retries due deliveries.
func (r *Router) tick(ctx context.Context) {
	now := r.now()
	for _, snap := range r.groups.Flush(now) {
		r.dispatch(ctx, snap, now)
	}
	r.runRetries(ctx, now)
}

// dispatch filters, renders, and attempts the first delivery of one group
// notification. Suppression is evaluated here, at dispatch time, so a
// silence expiring mid-cycle is honored on the next flush.
func (r *Router) dispatch(ctx context.Context, snap group.Snapshot, now time.Time) {
	firing := r.firing()
	kept := snap.Members[:0:0]
	for _, m := range snap.Members {
		suppressed, reason := r.silences.Suppressed(m.Labels, now, firing)
		if suppressed {
			metrics.SuppressedTotal.WithLabelValues(reason).Inc()
			r.mu.Lock()
			r.stats.Suppressed++
			r.mu.Unlock()
			slog.Debug("notify: instance suppressed",
				"rule", m.Rule, "labels", m.Labels.String(), "reason", reason)
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		slog.Debug("notify: group fully suppressed — skipping dispatch", "group", snap.Key)
		return
	}
	snap.Members = kept

	r.mu.Lock()
	entry, ok := r.receivers[snap.Receiver]
	r.mu.Unlock()
	if !ok {
		slog.Error("notify: unknown receiver — notification dropped",
			"receiver", snap.Receiver, "group", snap.Key)
		return
	}

	msg, err := render(entry.tmpl, snap)
	if err != nil {
		slog.Error("notify: message rendering failed — notification dropped",
			"receiver", snap.Receiver, "group", snap.Key, "err", err)
		return
	}

	r.attempt(ctx, &delivery{receiver: entry.cfg, msg: msg}, now)
}

// attempt performs one delivery attempt of d and either completes it or
// reschedules it. Retries are time-based: a failed delivery waits for its
// next-attempt timestamp instead of blocking the pipeline.
func (r *Router) attempt(ctx context.Context, d *delivery, now time.Time) {
	d.attempts++
	err := r.transport.Send(ctx, d.receiver, d.msg)
	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(d.receiver.Name, "sent").Inc()
		r.mu.Lock()
		r.stats.Sent++
		r.mu.Unlock()
		slog.Info("notify: delivered",
			"receiver", d.receiver.Name,
			"group", d.msg.Group.Key,
			"kind", d.msg.Kind,
			"attempts", d.attempts,
		)
		return
	}

	d.lastErr = err
	metrics.NotificationsTotal.WithLabelValues(d.receiver.Name, "failed").Inc()
	r.mu.Lock()
	r.stats.Failed++
	r.mu.Unlock()

	if d.attempts >= r.maxAttempts {
		derr := &DispatchError{Receiver: d.receiver.Name, Attempts: d.attempts, Err: err}
		metrics.NotificationsTotal.WithLabelValues(d.receiver.Name, "exhausted").Inc()
		r.mu.Lock()
		r.stats.Exhausted++
		r.stats.LastDeliveryError = derr.Error()
		r.stats.LastDeliveryErrorAt = now
		r.mu.Unlock()
		slog.Error("notify: delivery failed permanently",
			"receiver", d.receiver.Name,
			"group", d.msg.Group.Key,
			"attempts", d.attempts,
			"err", err,
		)
		return
	}

	// Exponential backoff: backoff * 2^(attempts-1).
	d.nextAttempt = now.Add(r.backoff << (d.attempts - 1))
	r.mu.Lock()
	r.retries = append(r.retries, d)
	r.mu.Unlock()
	slog.Warn("notify: delivery failed — retry scheduled",
		"receiver", d.receiver.Name,
		"attempt", d.attempts,
		"next_attempt", d.nextAttempt,
		"err", err,
	)
}

// runRetries attempts every delivery whose next-attempt time has come.
func (r *Router) runRetries(ctx context.Context, now time.Time) {
	r.mu.Lock()
	var due []*delivery
	remaining := r.retries[:0]
	for _, d := range r.retries {
		if d.nextAttempt.After(now) {
			remaining = append(remaining, d)
		} else {
			due = append(due, d)
		}
	}
	r.retries = remaining
	r.mu.Unlock()

	for _, d := range due {
		r.attempt(ctx, d, now)
	}
}

// Stats returns a copy of the router health counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.PendingRetries = len(r.retries)
	return st
}
