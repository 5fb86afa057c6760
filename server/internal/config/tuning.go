package config

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// Defaults for the optional websocket extras.
const (
	DefaultMaxMsgSizeUnit = "KiB"
	DefaultSendBufferSize = 64
	DefaultPingInterval   = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMetricsRoute   = "/metrics"
	DefaultHealthRoute    = "/healthz"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
)

var unitBytes = map[string]int64{
	"B":   1,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
}

// Tuning is the typed view of the optional keys in Config.Extra.
type Tuning struct {
	MaxMsgSizeUnit      string        // max_msg_size_unit: KiB | MiB | B
	MaxConnections      int           // max_connections, 0 = unlimited
	MaxConnectionsPerIP int           // max_connections_per_ip, 0 = unlimited
	ConnectionRate      float64       // connection_rate, new connections per second per IP, 0 = unlimited
	ConnectionBurst     int           // connection_burst
	SendBufferSize      int           // send_buffer_size, outbound frames queued per connection
	PingInterval        time.Duration // ping_interval, 0 disables keepalive pings
	IdleTimeout         time.Duration // idle_timeout, 0 disables
	WriteTimeout        time.Duration // write_timeout
	MetricsRoute        string        // metrics_route
	HealthRoute         string        // health_route
	LogLevel            string        // log_level
	LogFormat           string        // log_format: json | text
	SSLCert             string        // ssl_cert
	SSLKey              string        // ssl_key
}

// Tuning parses the recognised extras, applying defaults for absent keys.
func (c *Config) Tuning() (Tuning, error) {
	x := extras(c.Extra)
	t := Tuning{}
	var err error

	set := func(f func() error) {
		if err == nil {
			err = f()
		}
	}
	set(func() (e error) { t.MaxMsgSizeUnit, e = x.str("max_msg_size_unit", DefaultMaxMsgSizeUnit); return })
	set(func() (e error) { t.MaxConnections, e = x.int("max_connections", 0); return })
	set(func() (e error) { t.MaxConnectionsPerIP, e = x.int("max_connections_per_ip", 0); return })
	set(func() (e error) { t.ConnectionRate, e = x.float("connection_rate", 0); return })
	set(func() (e error) { t.ConnectionBurst, e = x.int("connection_burst", 0); return })
	set(func() (e error) { t.SendBufferSize, e = x.int("send_buffer_size", DefaultSendBufferSize); return })
	set(func() (e error) { t.PingInterval, e = x.duration("ping_interval", DefaultPingInterval); return })
	set(func() (e error) { t.IdleTimeout, e = x.duration("idle_timeout", 0); return })
	set(func() (e error) { t.WriteTimeout, e = x.duration("write_timeout", DefaultWriteTimeout); return })
	set(func() (e error) { t.MetricsRoute, e = x.str("metrics_route", DefaultMetricsRoute); return })
	set(func() (e error) { t.HealthRoute, e = x.str("health_route", DefaultHealthRoute); return })
	set(func() (e error) { t.LogLevel, e = x.str("log_level", DefaultLogLevel); return })
	set(func() (e error) { t.LogFormat, e = x.str("log_format", DefaultLogFormat); return })
	set(func() (e error) { t.SSLCert, e = x.str("ssl_cert", ""); return })
	set(func() (e error) { t.SSLKey, e = x.str("ssl_key", ""); return })
	if err != nil {
		return Tuning{}, err
	}

	if t.ConnectionRate > 0 && t.ConnectionBurst == 0 {
		t.ConnectionBurst = int(math.Max(1, math.Ceil(t.ConnectionRate)))
	}
	return t, nil
}

// ParseLevel maps a log_level value to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("websocket.log_level %q unknown: want debug|info|warn|error", s)
}

// extras reads loosely typed YAML values. Numbers may arrive as int, uint64
// or float64 depending on the literal; strings are parsed as a fallback.
type extras map[string]any

func (x extras) str(key, def string) (string, error) {
	v, ok := x[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("websocket.%s: want string, got %T", key, v)
	}
	return s, nil
}

func (x extras) float(key string, def float64) (float64, error) {
	v, ok := x[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("websocket.%s: %w", key, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("websocket.%s: want number, got %T", key, v)
}

func (x extras) int(key string, def int) (int, error) {
	f, err := x.float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, fmt.Errorf("websocket.%s: want integer, got %v", key, f)
	}
	return int(f), nil
}

// duration accepts a Go duration string ("30s", "5m") or a number of seconds.
func (x extras) duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := x[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, isStr := v.(string); isStr {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, nil
		}
	}
	secs, err := x.float(key, 0)
	if err != nil {
		return 0, fmt.Errorf("websocket.%s: want duration or seconds", key)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
