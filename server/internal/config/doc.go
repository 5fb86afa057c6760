// Package config loads the bus configuration from the `websocket:` section of
// the shared config file (every other top-level key is ignored).
//
// Recognised keys:
//   - host         interface to bind (default 127.0.0.1)
//   - port         TCP port (default 8181)
//   - route        WebSocket path (default /core)
//   - ssl          serve over TLS using ssl_cert and ssl_key (default false)
//   - max_msg_size largest accepted frame, in KiB unless max_msg_size_unit says otherwise (default 25)
//
// Any other key in the section is kept in Config.Extra; the optional keys the
// server understands are exposed through Config.Tuning.
//
// Load applies defaults, overlays the file, then the OVOS_BUS_* environment
// variables, then validates. A file written as JSON with // or /* */ comments
// is accepted: when the first parse fails, comments are stripped and the
// parse is retried once.
package config
