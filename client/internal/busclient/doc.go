// Package busclient is a minimal message bus client used by busctl.
//
// Dial connects with truncated exponential backoff (1s initial, 60s max,
// x2, +/-25% jitter) until it succeeds or the context ends. Every message
// sent through a Client carries context.source, set to the client's source
// name unless the caller already set it.
package busclient
