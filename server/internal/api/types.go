package api

import "time"

// HealthResponse is the payload for GET <health route>.
type HealthResponse struct {
	State          string  `json:"state"`
	InstanceID     string  `json:"instance_id"`
	Connections    int     `json:"connections"`
	MaxConnections int     `json:"max_connections"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// ConnectionResponse is one entry of GET /api/v1/connections.
type ConnectionResponse struct {
	ID          uint64    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
}

type errorResponse struct {
	Error string `json:"error"`
}
