package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openvoiceos/ovos-messagebus/server/internal/registry"
)

var (
	// ErrQueueFull is returned by Send when the connection's send queue is full.
	ErrQueueFull = errors.New("ws: send queue full")

	// ErrConnClosed is returned by Send after the connection has been closed.
	ErrConnClosed = errors.New("ws: connection closed")
)

// conn is one client connection. It implements registry.Outbound.
type conn struct {
	id          registry.ID
	remote      string
	ip          string
	connectedAt time.Time

	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	lastRead atomic.Int64 // unix nanos of the last inbound frame
}

var _ registry.Outbound = (*conn)(nil)

func newConn(remote, ip string, queue int, now time.Time) *conn {
	c := &conn{
		remote:      remote,
		ip:          ip,
		connectedAt: now,
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
	}
	c.touch(now)
	return c
}

// Send enqueues frame without blocking.
func (c *conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close asks the writer to send a close frame and shut the connection down.
func (c *conn) Close() {
	c.closeWith(websocket.CloseGoingAway, "closed by server")
}

// closeWith closes the connection with the given close code. Only the first
// call has any effect.
func (c *conn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode, c.closeText = code, text
		close(c.done)
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) touch(now time.Time) { c.lastRead.Store(now.UnixNano()) }

func (c *conn) idleSince() time.Time { return time.Unix(0, c.lastRead.Load()) }

// queued returns the number of frames waiting in the send queue.
func (c *conn) queued() int { return len(c.send) }
