// Package ws is the WebSocket transport of the message bus.
//
// Hub.ServeHTTP admits a client (limits, then registry capacity), upgrades
// the connection and serves it until it closes: a read loop hands every
// inbound frame to the broadcast engine, and a writer goroutine drains the
// connection's bounded send queue, sends keepalive pings and enforces the
// optional idle timeout.
//
// A client is registered before the upgrade completes so that a full
// registry can refuse the handshake with HTTP 503. Frames enqueued before
// the upgrade are flushed once the writer starts.
//
// Hub.Run blocks until its context is cancelled, then closes every client
// with 1001 (going away) and waits for their goroutines to exit.
//
// The upgrader accepts all origins. Apply origin restrictions at the reverse
// proxy level.
package ws
