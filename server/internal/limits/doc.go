// Package limits decides whether a new WebSocket connection may be admitted.
//
// Two optional per-IP checks are combined: a concurrent-connection cap and a
// token-bucket rate of new connections. The process-wide cap is enforced by
// the connection registry, not here.
package limits
