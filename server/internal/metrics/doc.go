// Package metrics defines the Prometheus collectors exported by the bus.
//
// NewRegistry builds a dedicated registry with the Go runtime and process
// collectors; New registers the bus collectors on it. Handler serves the
// registry in the Prometheus exposition format.
package metrics
