// Package types defines the message envelope shared by the bus server and
// its clients. Payloads are held as raw JSON so that a message relayed by the
// bus reaches its recipients structurally unchanged.
package types
