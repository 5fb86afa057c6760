// Package tlscert inspects the certificate the bus serves when ssl is on.
//
// Inspect loads the ssl_cert/ssl_key pair, parses the leaf certificate and
// classifies it as "valid", "expiring" (30 days or less left) or "expired".
// The server runs it once at startup so a bad or stale pair is reported
// before the listener starts.
package tlscert
