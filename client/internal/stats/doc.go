// Package stats scrapes the bus Prometheus endpoint and condenses the
// ovos_bus_* families into a Summary for display by busctl.
package stats
