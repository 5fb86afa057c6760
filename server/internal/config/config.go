package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// Default values for the bus configuration.
const (
	DefaultHost       = "127.0.0.1"
	DefaultPort       = 8181
	DefaultRoute      = "/core"
	DefaultMaxMsgSize = 25
)

// Config is the resolved bus configuration. It is immutable once Load returns.
type Config struct {
	// Host is the interface the listener binds to.
	Host string

	// Port is the TCP port the listener binds to.
	Port uint16

	// Route is the WebSocket path clients connect to.
	Route string

	// SSL serves the listener over TLS using the ssl_cert/ssl_key extras.
	SSL bool

	// MaxMsgSize is the largest accepted frame, in the unit named by the
	// max_msg_size_unit extra (KiB when unset). See MaxMsgBytes.
	MaxMsgSize uint32

	// Extra holds every key of the websocket section not listed above.
	Extra map[string]any

	// Path is the file the configuration was read from, empty if none.
	Path string
}

// fileConfig is the root of the config file. Only the websocket section is
// read; every other top-level key belongs to other services.
type fileConfig struct {
	Websocket *websocketSection `yaml:"websocket"`
}

type websocketSection struct {
	Host       *string        `yaml:"host"`
	Port       *uint16        `yaml:"port"`
	Route      *string        `yaml:"route"`
	SSL        *bool          `yaml:"ssl"`
	MaxMsgSize *uint32        `yaml:"max_msg_size"`
	Extra      map[string]any `yaml:",inline"`
}

// envOverrides are the OVOS_BUS_* variables. Values are kept as strings so
// an unparseable number can be ignored instead of failing the load.
type envOverrides struct {
	ConfigFile string `env:"OVOS_BUS_CONFIG_FILE"`
	Host       string `env:"OVOS_BUS_HOST"`
	Port       string `env:"OVOS_BUS_PORT"`
	MaxMsgSize string `env:"OVOS_BUS_MAX_MSG_SIZE"`
	Route      string `env:"OVOS_BUS_ROUTE"`
	UseSSL     string `env:"OVOS_BUS_USE_SSL"`
}

// Load resolves the configuration: defaults, then the websocket section of
// the config file, then OVOS_BUS_* environment overrides.
//
// path names the config file; when empty, OVOS_BUS_CONFIG_FILE is used. A
// file that cannot be read or parsed is logged and ignored, leaving the
// defaults in place. Validation failures are returned as errors.
func Load(path string) (*Config, error) {
	return load(path, false)
}

// LoadStrict is Load, except that an unreadable or unparseable file is an error.
func LoadStrict(path string) (*Config, error) {
	return load(path, true)
}

func load(path string, strict bool) (*Config, error) {
	var ov envOverrides
	if err := env.Load(&ov, nil); err != nil {
		return nil, fmt.Errorf("config: read environment: %w", err)
	}
	if path == "" {
		path = ov.ConfigFile
	}

	cfg := defaults()
	if path != "" {
		cfg.Path = path
		if err := cfg.applyFile(path); err != nil {
			if strict {
				return nil, fmt.Errorf("config: %w", err)
			}
			slog.Warn("config: using defaults", "path", path, "err", err)
		}
	}

	ov.apply(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		Route:      DefaultRoute,
		MaxMsgSize: DefaultMaxMsgSize,
		Extra:      map[string]any{},
	}
}

// applyFile reads path and overlays its websocket section onto c. JSON files
// have comments stripped before parsing; for anything else a failed parse is
// retried once with comments stripped.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}

	// JSON never carries comments legitimately, so strip them up front.
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		data = []byte(stripComments(string(data)))
	}

	var root fileConfig
	if err := yaml.Unmarshal(data, &root); err != nil {
		root = fileConfig{}
		if retryErr := yaml.Unmarshal([]byte(stripComments(string(data))), &root); retryErr != nil {
			return fmt.Errorf("parse %q (also after removing comments): %w", path, retryErr)
		}
	}

	ws := root.Websocket
	if ws == nil {
		return nil
	}
	if ws.Host != nil {
		c.Host = *ws.Host
	}
	if ws.Port != nil {
		c.Port = *ws.Port
	}
	if ws.Route != nil {
		c.Route = *ws.Route
	}
	if ws.SSL != nil {
		c.SSL = *ws.SSL
	}
	if ws.MaxMsgSize != nil {
		c.MaxMsgSize = *ws.MaxMsgSize
	}
	c.Extra = ws.Extra
	if c.Extra == nil {
		c.Extra = map[string]any{}
	}
	return nil
}

func (ov envOverrides) apply(c *Config) {
	if ov.Host != "" {
		c.Host = ov.Host
	}
	if ov.Port != "" {
		if p, err := strconv.ParseUint(ov.Port, 10, 16); err == nil {
			c.Port = uint16(p)
		} else {
			slog.Warn("config: ignoring invalid OVOS_BUS_PORT", "value", ov.Port)
		}
	}
	if ov.MaxMsgSize != "" {
		if n, err := strconv.ParseUint(ov.MaxMsgSize, 10, 32); err == nil {
			c.MaxMsgSize = uint32(n)
		} else {
			slog.Warn("config: ignoring invalid OVOS_BUS_MAX_MSG_SIZE", "value", ov.MaxMsgSize)
		}
	}
	if ov.Route != "" {
		c.Route = ov.Route
	}
	if ov.UseSSL != "" {
		c.SSL = true
	}
}

// validate checks structural constraints on the resolved configuration.
func validate(c *Config) error {
	if c.Port == 0 {
		return errors.New("websocket.port must be in [1, 65535]")
	}
	if !strings.HasPrefix(c.Route, "/") {
		return fmt.Errorf("websocket.route %q must start with /", c.Route)
	}
	if c.MaxMsgSize == 0 {
		return errors.New("websocket.max_msg_size must be positive")
	}

	t, err := c.Tuning()
	if err != nil {
		return err
	}
	if _, ok := unitBytes[t.MaxMsgSizeUnit]; !ok {
		return fmt.Errorf("websocket.max_msg_size_unit %q unknown: want KiB|MiB|B", t.MaxMsgSizeUnit)
	}
	if c.MaxMsgBytes() <= 0 {
		return errors.New("websocket.max_msg_size overflows")
	}
	if c.SSL && (t.SSLCert == "" || t.SSLKey == "") {
		return errors.New("websocket.ssl requires ssl_cert and ssl_key")
	}
	if t.SendBufferSize <= 0 {
		return errors.New("websocket.send_buffer_size must be positive")
	}
	if t.MaxConnections < 0 || t.MaxConnectionsPerIP < 0 || t.ConnectionRate < 0 || t.ConnectionBurst < 0 {
		return errors.New("websocket connection limits must not be negative")
	}
	if t.PingInterval < 0 || t.IdleTimeout < 0 || t.WriteTimeout <= 0 {
		return errors.New("websocket ping_interval and idle_timeout must not be negative, write_timeout must be positive")
	}
	for _, r := range []string{t.MetricsRoute, t.HealthRoute} {
		if !strings.HasPrefix(r, "/") {
			return fmt.Errorf("route %q must start with /", r)
		}
		if r == c.Route {
			return fmt.Errorf("route %q is used by both the bus and an HTTP endpoint", r)
		}
	}
	if t.MetricsRoute == t.HealthRoute {
		return fmt.Errorf("metrics_route and health_route are both %q", t.MetricsRoute)
	}
	switch t.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("websocket.log_format %q unknown: want json|text", t.LogFormat)
	}
	if _, err := ParseLevel(t.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr returns the host:port the listener binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// URL returns the WebSocket URL clients use to reach the bus.
func (c *Config) URL() string {
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	return scheme + "://" + c.Addr() + c.Route
}

// MaxMsgBytes converts MaxMsgSize to bytes using the configured unit.
func (c *Config) MaxMsgBytes() int {
	t, _ := c.Tuning()
	mult, ok := unitBytes[t.MaxMsgSizeUnit]
	if !ok {
		mult = unitBytes[DefaultMaxMsgSizeUnit]
	}
	return int(int64(c.MaxMsgSize) * mult)
}

// RestartRequired reports whether moving from c to next changes settings
// that are only read at startup.
func (c *Config) RestartRequired(next *Config) bool {
	if c.Host != next.Host || c.Port != next.Port || c.Route != next.Route ||
		c.SSL != next.SSL || c.MaxMsgBytes() != next.MaxMsgBytes() {
		return true
	}
	a, _ := c.Tuning()
	b, _ := next.Tuning()
	a.LogLevel, b.LogLevel = "", ""
	a.MaxMsgSizeUnit, b.MaxMsgSizeUnit = "", ""
	return a != b
}
