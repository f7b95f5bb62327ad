// Package ws implements the live task feed: a hub that retains snapshot
// history and relays events to WebSocket and Server-Sent Events observers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/GoCodeAlone/trok/metrics"
	"github.com/GoCodeAlone/trok/notify"
	"github.com/GoCodeAlone/trok/task"
	"github.com/GoCodeAlone/trok/workspace"
)

const (
	// DefaultHeartbeatTimeout is how long a WebSocket observer may stay
	// silent after a PONG before it is disconnected.
	DefaultHeartbeatTimeout = 30 * time.Second

	// StatusHeartbeatTimeout is the close code sent to silent observers.
	StatusHeartbeatTimeout websocket.StatusCode = 4000

	// StatusLagging is sent to an observer that fell behind and missed a
	// snapshot. On reconnect it receives the replay.
	StatusLagging = websocket.StatusTryAgainLater

	ping = "PING"
	pong = "PONG"

	clientBuffer = 256
)

// client is one live observer.
type client struct {
	ch chan []byte

	// lagged is closed once the client missed a snapshot.
	lagged chan struct{}
	once   sync.Once
}

func newClient() *client {
	return &client{ch: make(chan []byte, clientBuffer), lagged: make(chan struct{})}
}

func (c *client) evict() { c.once.Do(func() { close(c.lagged) }) }

// Hub registers snapshots and fans events out to observers.
type Hub struct {
	store            task.Store
	HeartbeatTimeout time.Duration
	logger           *slog.Logger
	metrics          *metrics.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub returns a hub backed by store. A nil store keeps the default
// in-memory retention.
func NewHub(store task.Store, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if store == nil {
		store = task.NewMemoryStore(task.DefaultMaxTasks)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:            store,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		logger:           logger,
		metrics:          m,
		clients:          make(map[*client]struct{}),
	}
}

// Store returns the snapshot history the hub registers into.
func (h *Hub) Store() task.Store { return h.store }

// Publish broadcasts ev to every observer.
func (h *Hub) Publish(ev task.Event) { h.broadcast(ev, nil) }

// Sink adapts the hub to a verbose notification sink, so every task run
// feeds the live feed.
func (h *Hub) Sink() notify.Sink {
	return &notify.FuncSink{
		SinkName:  "hub",
		IsVerbose: true,
		Fn: func(_ context.Context, ev task.Event) error {
			h.Publish(ev)
			return nil
		},
	}
}

// Observers reports the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast registers snapshots, then relays ev to every observer except
// from. Registration and relay happen under one lock so an observer that
// attaches concurrently sees each snapshot exactly once, either in its
// replay or live.
func (h *Hub) broadcast(ev task.Event, from *client) {
	data, err := json.Marshal(redacted(ev))
	if err != nil {
		h.logger.Error("hub broadcast marshal", slog.Any("err", err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev.Type == task.EventSnapshot {
		if err := h.store.Register(*ev.Snapshot); err != nil {
			h.logger.Warn("register snapshot", slog.String("task", ev.TaskID()), slog.Any("err", err))
		}
	}
	for c := range h.clients {
		if c == from {
			continue
		}
		select {
		case c.ch <- data:
		default:
			// Stream chunks may be lost. A lost snapshot would leave the
			// observer with a wrong task state, so it is disconnected.
			if ev.Type == task.EventSnapshot {
				c.evict()
			}
		}
	}
}

// attach registers a new observer and returns the snapshot history it
// must be sent before any live event.
func (h *Hub) attach() (*client, [][]byte) {
	c := newClient()

	h.mu.Lock()
	defer h.mu.Unlock()
	snaps, err := h.store.List("")
	if err != nil {
		h.logger.Warn("load snapshot history", slog.Any("err", err))
	}
	replay := make([][]byte, 0, len(snaps))
	for _, s := range snaps {
		data, err := json.Marshal(redacted(task.SnapshotEvent(s)))
		if err != nil {
			continue
		}
		replay = append(replay, data)
	}
	h.clients[c] = struct{}{}
	h.metrics.ObserverConnected()
	return c, replay
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.ObserverDisconnected()
	}
}

// ServeWS upgrades the request and streams events until either side
// closes. Text frames from the observer are either "PING" heartbeats or
// events to relay to everyone else.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Warn("websocket accept", slog.Any("err", err))
		return
	}
	conn.SetReadLimit(4 << 20)

	c, replay := h.attach()
	defer h.detach(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writes := make(chan []byte, 1)
	go h.readLoop(ctx, cancel, conn, c, writes)

	for _, data := range replay {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "") //nolint:errcheck
			return
		case <-c.lagged:
			h.logger.Warn("disconnecting lagging observer")
			conn.Close(StatusLagging, "observer fell behind") //nolint:errcheck
			return
		case data := <-writes:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case data := <-c.ch:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// readLoop handles frames from one observer. Replies go through writes so
// only the serving goroutine writes data frames.
func (h *Hub) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *client, writes chan<- []byte) {
	defer cancel()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if string(data) == ping {
			if timer != nil {
				timer.Stop()
			}
			select {
			case writes <- []byte(pong):
			case <-ctx.Done():
				return
			}
			timer = time.AfterFunc(h.heartbeatTimeout(), func() {
				conn.Close(StatusHeartbeatTimeout, "heartbeat timeout") //nolint:errcheck
			})
			continue
		}

		var ev task.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.logger.Warn("discard observer frame", slog.Any("err", err))
			continue
		}
		h.broadcast(ev, c)
	}
}

// ServeSSE streams events as Server-Sent Events, replaying history first.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c, replay := h.attach()
	defer h.detach(c)

	for _, data := range replay {
		writeSSE(w, data)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.lagged:
			h.logger.Warn("disconnecting lagging observer")
			return
		case data := <-c.ch:
			writeSSE(w, data)
			flusher.Flush()
		}
	}
}

// writeSSE writes one event; each "data:" line must not contain newlines.
func writeSSE(w http.ResponseWriter, data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
	}
	fmt.Fprintln(w) //nolint:errcheck
}

// redacted returns a copy of ev whose task origin carries no credentials.
func redacted(ev task.Event) task.Event {
	switch {
	case ev.Snapshot != nil:
		s := *ev.Snapshot
		s.Task.Origin = workspace.RedactOrigin(s.Task.Origin)
		ev.Snapshot = &s
	case ev.Stream != nil:
		d := *ev.Stream
		d.Task.Origin = workspace.RedactOrigin(d.Task.Origin)
		ev.Stream = &d
	}
	return ev
}

func (h *Hub) heartbeatTimeout() time.Duration {
	if h.HeartbeatTimeout <= 0 {
		return DefaultHeartbeatTimeout
	}
	return h.HeartbeatTimeout
}
