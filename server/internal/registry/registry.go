package registry

import (
	"errors"
	"slices"
	"sync"
)

// ErrCapacityExceeded is returned by Register when the connection cap is reached.
var ErrCapacityExceeded = errors.New("registry: connection capacity exceeded")

// ID identifies one registered connection.
type ID = uint64

// Outbound is the write side of a connection as seen by the broadcast engine.
type Outbound interface {
	// Send enqueues a serialized frame without blocking. A non-nil error
	// means the frame was not accepted and the connection should be dropped.
	Send(frame []byte) error

	// Close asks the connection to shut down. It must be idempotent.
	Close()
}

// Entry is one element of a Snapshot.
type Entry struct {
	ID  ID
	Out Outbound
}

// Registry is a concurrency-safe map of live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[ID]Outbound
	next  ID
	max   int
}

// New creates a Registry. max caps the number of live entries; 0 means unlimited.
func New(max int) *Registry {
	if max < 0 {
		max = 0
	}
	return &Registry{
		conns: make(map[ID]Outbound),
		max:   max,
	}
}

// Register stores out under a fresh id and returns the id.
func (r *Registry) Register(out Outbound) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.conns) >= r.max {
		return 0, ErrCapacityExceeded
	}
	r.next++
	r.conns[r.next] = out
	return r.next, nil
}

// Unregister removes id. It reports whether an entry was removed; removing an
// unknown id is a no-op.
func (r *Registry) Unregister(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// Lookup returns the handle registered under id.
func (r *Registry) Lookup(id ID) (Outbound, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.conns[id]
	return out, ok
}

// Snapshot returns every live entry ordered by id. The result is a copy and
// is not affected by later Register or Unregister calls.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.conns))
	for id, h := range r.conns {
		out = append(out, Entry{ID: id, Out: h})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Cap returns the configured connection cap (0 = unlimited).
func (r *Registry) Cap() int { return r.max }
