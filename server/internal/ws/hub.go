package ws

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/openvoiceos/ovos-messagebus/server/internal/bus"
	"github.com/openvoiceos/ovos-messagebus/server/internal/limits"
	"github.com/openvoiceos/ovos-messagebus/server/internal/metrics"
	"github.com/openvoiceos/ovos-messagebus/server/internal/registry"
)

const (
	// defaultWriteTimeout is the deadline for a single write to a client.
	defaultWriteTimeout = 10 * time.Second

	// defaultSendBufferSize is the per-client outgoing frame queue depth.
	defaultSendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins. Callers should restrict origins at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options tunes a Hub. Zero values select the defaults.
type Options struct {
	// SendBufferSize is the number of frames queued per client before the
	// client is dropped as a slow consumer.
	SendBufferSize int

	// PingInterval is how often keepalive pings are sent. The read deadline
	// is twice this value. 0 disables pings and the read deadline.
	PingInterval time.Duration

	// WriteTimeout bounds every write to a client.
	WriteTimeout time.Duration

	// IdleTimeout closes clients that have sent nothing for this long.
	// 0 disables it.
	IdleTimeout time.Duration

	Clock   clockwork.Clock
	Limits  *limits.Limits
	Metrics *metrics.Metrics
}

// ConnInfo describes one live connection.
type ConnInfo struct {
	ID          registry.ID `json:"id"`
	RemoteAddr  string      `json:"remote_addr"`
	ConnectedAt time.Time   `json:"connected_at"`
	Queued      int         `json:"queued"`
}

// Hub serves bus clients over WebSocket.
type Hub struct {
	reg     *registry.Registry
	engine  *bus.Engine
	opts    Options
	clock   clockwork.Clock
	metrics *metrics.Metrics

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// New creates a Hub that registers clients in reg and hands their frames to engine.
func New(reg *registry.Registry, engine *bus.Engine, opts Options) *Hub {
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = defaultSendBufferSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	return &Hub{
		reg:     reg,
		engine:  engine,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
}

// Run blocks until ctx is cancelled, then closes all active connections and
// waits for their handlers to return.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	for _, e := range h.reg.Snapshot() {
		if c, ok := e.Out.(*conn); ok {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
		} else {
			e.Out.Close()
		}
	}
	h.wg.Wait()
	slog.Info("ws: all connections closed")
}

// Count returns the number of registered connections.
func (h *Hub) Count() int { return h.reg.Len() }

// MaxConnections returns the registry cap, 0 meaning unlimited.
func (h *Hub) MaxConnections() int { return h.reg.Cap() }

// Connections lists live connections ordered by id.
func (h *Hub) Connections() []ConnInfo {
	snap := h.reg.Snapshot()
	out := make([]ConnInfo, 0, len(snap))
	for _, e := range snap {
		c, ok := e.Out.(*conn)
		if !ok {
			continue
		}
		out = append(out, ConnInfo{
			ID:          e.ID,
			RemoteAddr:  c.remote,
			ConnectedAt: c.connectedAt,
			Queued:      c.queued(),
		})
	}
	return out
}

// ServeHTTP admits, upgrades and serves one client. It blocks until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	if h.stopping {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ip := remoteIP(r.RemoteAddr)
	if l := h.opts.Limits; l != nil {
		if ok, reason := l.Acquire(ip); !ok {
			h.metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
			slog.Debug("ws: connection refused", "remote", r.RemoteAddr, "reason", reason)
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		defer l.Release(ip)
	}

	c := newConn(r.RemoteAddr, ip, h.opts.SendBufferSize, h.clock.Now())
	id, err := h.reg.Register(c)
	if err != nil {
		h.metrics.ConnectionsRejected.WithLabelValues(metrics.ReasonCapacity).Inc()
		slog.Warn("ws: connection refused", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "bus at capacity", http.StatusServiceUnavailable)
		return
	}
	c.id = id
	h.metrics.ActiveConnections.Inc()
	defer h.unregister(c)

	// Run may have taken its snapshot before this registration landed.
	h.mu.Lock()
	stopping := h.stopping
	h.mu.Unlock()
	if stopping {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		h.metrics.ConnectionsRejected.WithLabelValues(metrics.ReasonUpgrade).Inc()
		slog.Debug("ws: upgrade failed", "conn_id", id, "remote", r.RemoteAddr, "err", err)
		return
	}
	c.ws = ws
	h.metrics.ConnectionsAccepted.Inc()
	slog.Debug("ws: connection opened", "conn_id", id, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()
	h.readPump(c)

	c.closeWith(websocket.CloseNormalClosure, "")
	<-writerDone
	slog.Debug("ws: connection closed", "conn_id", id, "remote", r.RemoteAddr)
}

func (h *Hub) unregister(c *conn) {
	c.Close()
	if h.reg.Unregister(c.id) {
		h.metrics.ActiveConnections.Dec()
	}
}

// readPump reads frames in order and hands each one to the engine. At most
// maxBytes+1 bytes of a frame are buffered; the rest of an oversized frame is
// discarded unread. Blocks until the connection fails or is closed.
func (h *Hub) readPump(c *conn) {
	defer c.ws.Close()

	maxBytes := h.engine.MaxBytes()
	extendDeadline := func() {}
	if p := h.opts.PingInterval; p > 0 {
		extendDeadline = func() {
			c.ws.SetReadDeadline(time.Now().Add(2 * p)) //nolint:errcheck
		}
		c.ws.SetPongHandler(func(string) error {
			extendDeadline()
			return nil
		})
	}
	extendDeadline()

	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if !c.closed() {
				slog.Debug("ws: connection lost", "conn_id", c.id, "err", err)
			}
			return
		}
		extendDeadline()
		c.touch(h.clock.Now())

		frame, err := io.ReadAll(io.LimitReader(r, int64(maxBytes)+1))
		if err != nil {
			slog.Debug("ws: read failed", "conn_id", c.id, "err", err)
			return
		}
		if len(frame) > maxBytes {
			rest, err := io.Copy(io.Discard, r)
			if err != nil {
				slog.Debug("ws: read failed", "conn_id", c.id, "err", err)
				return
			}
			err = h.engine.RejectOversize(c.id, len(frame)+int(rest))
			slog.Debug("ws: frame rejected", "conn_id", c.id, "err", err)
			continue
		}

		if _, err := h.engine.Handle(c.id, frame); err != nil {
			slog.Debug("ws: frame rejected", "conn_id", c.id, "err", err)
		}
	}
}

// writePump drains the send queue, sends keepalive pings and enforces the
// idle timeout. It exits when the connection is closed or a write fails, and
// always closes the underlying socket so readPump unblocks.
func (h *Hub) writePump(c *conn) {
	defer c.ws.Close()

	var pingC, idleC <-chan time.Time
	if p := h.opts.PingInterval; p > 0 {
		t := h.clock.NewTicker(p)
		defer t.Stop()
		pingC = t.Chan()
	}
	if d := h.opts.IdleTimeout; d > 0 {
		t := h.clock.NewTicker(idleCheckInterval(d))
		defer t.Stop()
		idleC = t.Chan()
	}

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("ws: write failed", "conn_id", c.id, "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-pingC:
			c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-idleC:
			if h.clock.Since(c.idleSince()) >= h.opts.IdleTimeout {
				h.metrics.IdleDisconnects.Inc()
				slog.Info("ws: closing idle connection", "conn_id", c.id, "idle", h.opts.IdleTimeout)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}

		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.opts.WriteTimeout)) //nolint:errcheck
			}
			return
		}
	}
}

// idleCheckInterval checks a few times per timeout so a connection is closed
// at most a quarter timeout late.
func idleCheckInterval(timeout time.Duration) time.Duration {
	if d := timeout / 4; d > 0 {
		return d
	}
	return timeout
}

// remoteIP strips the port from addr.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

