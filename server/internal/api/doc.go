// Package api implements the HTTP JSON API of the message bus.
//
// New(bus, opts) returns an http.Handler that serves:
//
//	GET <health route>        liveness, instance id, connection count, uptime
//	GET /api/v1/connections   live connections ordered by id
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. JSON types are defined in types.go. No external HTTP
// framework is used.
package api
