// Package registry tracks the connections currently attached to the bus.
//
// Registry is the single source of truth for "who is connected". Each entry
// maps a connection id to the Outbound handle the broadcast engine writes to.
// Ids come from a process-wide counter starting at 1 and are never reused, so
// a stale id held by an in-flight broadcast can never reach a newer
// connection.
//
// All methods are safe for concurrent use. Snapshot and Lookup take a read
// lock; Register and Unregister take the write lock.
package registry
