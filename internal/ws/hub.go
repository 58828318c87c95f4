package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threshd/threshd/internal/api"
	"github.com/threshd/threshd/internal/state"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the
	// connection as dead; pings go out at pingPeriod (< pongWait).
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16
)

// Event types carried in the Message envelope.
const (
	EventSnapshot = "snapshot"
	EventUpdate   = "update"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients. Seq increases by one per
// update broadcast, so a client can detect a missed delta and reconnect for
// a fresh snapshot.
type Message struct {
	Event string     `json:"event"`
	Seq   uint64     `json:"seq"`
	Data  StreamData `json:"data"`
}

// StreamData carries either the full alert set (snapshot) or the delta since
// the previous broadcast (update). Removed lists the keys of alerts that left
// the set, in "rule/labels" form.
type StreamData struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Alerts      []api.AlertResponse `json:"alerts,omitempty"`
	Changed     []api.AlertResponse `json:"changed,omitempty"`
	Removed     []string            `json:"removed,omitempty"`
}

// Hub streams alert state to WebSocket clients. A client receives the full
// current set on connect; after that the hub broadcasts only on ticks where
// the set actually changed, as a changed/removed delta.
type Hub struct {
	source   func() []state.Instance
	interval time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	seq     uint64
	last    map[string]api.AlertResponse // set as of the previous broadcast
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.out) })
}

// New creates a Hub that reads instances from source and checks for changes
// every interval.
func New(source func() []state.Instance, interval time.Duration) *Hub {
	return &Hub{
		source:   source,
		interval: interval,
		clients:  make(map[*client]struct{}),
		last:     make(map[string]api.AlertResponse),
	}
}

// Run drives the broadcast loop. Blocks until ctx is cancelled, then closes
// all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			return
		case <-t.C:
			h.tick()
		}
	}
}

// ServeHTTP upgrades the connection, sends the current alert set as a
// snapshot, then streams deltas. Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{conn: conn, out: make(chan []byte, sendBufSize)}

	alerts := sortAlerts(h.collect())

	// Register and enqueue the snapshot under the lock: the channel is only
	// ever closed with the lock held, so this send cannot race a close.
	h.mu.Lock()
	h.clients[c] = struct{}{}
	snap := Message{
		Event: EventSnapshot,
		Seq:   h.seq,
		Data:  StreamData{GeneratedAt: time.Now().UTC(), Alerts: alerts},
	}
	if payload, err := json.Marshal(snap); err == nil {
		c.out <- payload // fresh buffered channel, cannot block
	}
	h.mu.Unlock()
	defer h.drop(c)

	go c.writeLoop()
	c.readLoop() // blocks until the connection closes
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// --- internal ---------------------------------------------------------------

// collect maps the current instances by their stream key.
func (h *Hub) collect() map[string]api.AlertResponse {
	instances := h.source()
	out := make(map[string]api.AlertResponse, len(instances))
	for _, in := range instances {
		a := api.ToAlertResponse(in)
		out[alertKey(a)] = a
	}
	return out
}

func alertKey(a api.AlertResponse) string {
	return a.Rule + "/" + a.Labels.String()
}

// tick diffs the current set against the last broadcast one and, if anything
// changed, sends the delta to every client. Quiet ticks send nothing — the
// ping/pong keepalive covers liveness.
func (h *Hub) tick() {
	current := h.collect()

	h.mu.Lock()
	var changed []api.AlertResponse
	for key, a := range current {
		prev, ok := h.last[key]
		if !ok || !alertEqual(prev, a) {
			changed = append(changed, a)
		}
	}
	var removed []string
	for key := range h.last {
		if _, ok := current[key]; !ok {
			removed = append(removed, key)
		}
	}
	if len(changed) == 0 && len(removed) == 0 {
		h.mu.Unlock()
		return
	}

	sortAlertSlice(changed)
	sort.Strings(removed)
	h.seq++
	h.last = current
	msg := Message{
		Event: EventUpdate,
		Seq:   h.seq,
		Data:  StreamData{GeneratedAt: time.Now().UTC(), Changed: changed, Removed: removed},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.mu.Unlock()
		return
	}
	for c := range h.clients {
		select {
		case c.out <- payload:
		default:
			// Client's outgoing buffer is full — disconnect it.
			delete(h.clients, c)
			c.close()
		}
	}
	h.mu.Unlock()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	c.close()
	h.mu.Unlock()
}

// alertEqual reports whether two alerts with the same key carry the same
// observable state. Labels and rule are already equal by key construction.
func alertEqual(a, b api.AlertResponse) bool {
	return a.State == b.State &&
		a.Value == b.Value &&
		a.ActiveSince.Equal(b.ActiveSince) &&
		timePtrEqual(a.FiredAt, b.FiredAt) &&
		timePtrEqual(a.ResolvedAt, b.ResolvedAt)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func sortAlerts(m map[string]api.AlertResponse) []api.AlertResponse {
	out := make([]api.AlertResponse, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}
	sortAlertSlice(out)
	return out
}

func sortAlertSlice(alerts []api.AlertResponse) {
	sort.Slice(alerts, func(i, j int) bool {
		return alertKey(alerts[i]) < alertKey(alerts[j])
	})
}

// writeLoop drains the client's buffer onto the connection and keeps the
// ping/pong heartbeat going. Exits when the buffer closes or a write fails.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck
				return
			}
			if c.conn.WriteMessage(websocket.TextMessage, payload) != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if c.conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}

// readLoop consumes control frames (pong, close) and detects disconnects.
func (c *client) readLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
