package busclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openvoiceos/ovos-messagebus/pkg/types"
)

// SourceKey is the context key naming the sender of a message.
const SourceKey = "source"

const writeTimeout = 10 * time.Second

// Options configures a Client. Zero values select the defaults.
type Options struct {
	// Source is written to context.source of outgoing messages.
	// Defaults to "busctl-<uuid>".
	Source string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is one connection to the bus. Send is safe for concurrent use;
// Receive and Listen must be called from a single goroutine.
type Client struct {
	url    string
	source string
	conn   *websocket.Conn

	wmu sync.Mutex
}

// Dial connects to the bus at url, retrying with backoff until it succeeds
// or ctx is done.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	return dial(ctx, url, opts, newBackoff(), time.After)
}

// DialOnce makes a single connection attempt.
func DialOnce(ctx context.Context, url string, opts Options) (*Client, error) {
	dialer, source := opts.defaults()
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("busclient: dial %s: %w (HTTP %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("busclient: dial %s: %w", url, err)
	}
	return &Client{url: url, source: source, conn: conn}, nil
}

func dial(ctx context.Context, url string, opts Options, bo *backoff, after func(time.Duration) <-chan time.Time) (*Client, error) {
	for {
		c, err := DialOnce(ctx, url, opts)
		if err == nil {
			slog.Debug("busclient: connected", "url", url)
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := bo.next()
		slog.Warn("busclient: dial failed, will retry", "url", url, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-after(wait):
		}
	}
}

func (o Options) defaults() (*websocket.Dialer, string) {
	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	source := o.Source
	if source == "" {
		source = "busctl-" + uuid.NewString()
	}
	return dialer, source
}

// Source returns the name stamped on outgoing messages.
func (c *Client) Source() string { return c.source }

// URL returns the bus URL the client is connected to.
func (c *Client) URL() string { return c.url }

// Send writes msg to the bus, setting context.source if absent.
func (c *Client) Send(msg *types.Message) error {
	if !msg.HasContext(SourceKey) {
		if err := msg.SetContext(SourceKey, c.source); err != nil {
			return err
		}
	}
	frame, err := msg.MarshalJSON()
	if err != nil {
		return fmt.Errorf("busclient: encode: %w", err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("busclient: write: %w", err)
	}
	return nil
}

// Emit builds a message of msgType carrying data and sends it.
func (c *Client) Emit(msgType string, data any) error {
	msg, err := types.New(msgType, data)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// Receive blocks until the next message arrives, ctx is done, or the
// connection fails. Frames that are not valid envelopes are skipped.
func (c *Client) Receive(ctx context.Context) (*types.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now()) //nolint:errcheck
	})
	defer stop()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("busclient: read: %w", err)
		}
		msg, err := types.Decode(frame)
		if err != nil {
			slog.Debug("busclient: skipping invalid frame", "err", err)
			continue
		}
		return msg, nil
	}
}

// Listen calls fn for every message until ctx is done or the connection
// fails. A cancelled ctx is not reported as an error.
func (c *Client) Listen(ctx context.Context, fn func(*types.Message)) error {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		fn(msg)
	}
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.wmu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	c.wmu.Unlock()
	return c.conn.Close()
}
