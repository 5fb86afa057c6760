package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

// clearEnv blanks every OVOS_BUS_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OVOS_BUS_CONFIG_FILE", "OVOS_BUS_HOST", "OVOS_BUS_PORT",
		"OVOS_BUS_MAX_MSG_SIZE", "OVOS_BUS_ROUTE", "OVOS_BUS_USE_SSL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != DefaultHost {
		t.Errorf("host: got %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port: got %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Route != DefaultRoute {
		t.Errorf("route: got %q, want %q", cfg.Route, DefaultRoute)
	}
	if cfg.SSL {
		t.Error("ssl: got true, want false")
	}
	if cfg.MaxMsgSize != DefaultMaxMsgSize {
		t.Errorf("max_msg_size: got %d, want %d", cfg.MaxMsgSize, DefaultMaxMsgSize)
	}
	if got := cfg.MaxMsgBytes(); got != 25600 {
		t.Errorf("MaxMsgBytes: got %d, want 25600", got)
	}
	if got := cfg.URL(); got != "ws://127.0.0.1:8181/core" {
		t.Errorf("URL: got %q", got)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "bus.yaml", `lang: en-us
websocket:
  host: 0.0.0.0
  port: 9000
  route: /bus
  max_msg_size: 50
  shared_connection: true
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9000 || cfg.Route != "/bus" {
		t.Errorf("got %s:%d%s, want 0.0.0.0:9000/bus", cfg.Host, cfg.Port, cfg.Route)
	}
	if cfg.MaxMsgBytes() != 50*1024 {
		t.Errorf("MaxMsgBytes: got %d, want %d", cfg.MaxMsgBytes(), 50*1024)
	}
	if v, ok := cfg.Extra["shared_connection"]; !ok || v != true {
		t.Errorf("Extra[shared_connection]: got %v, want true", v)
	}
	if _, ok := cfg.Extra["lang"]; ok {
		t.Error("Extra picked up a key from outside the websocket section")
	}
	if cfg.Path != p {
		t.Errorf("Path: got %q, want %q", cfg.Path, p)
	}
}

func TestLoad_JSONWithComments(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "mycroft.conf", `{
  // bus settings
  "websocket": {
    "port": 8282, /* non-default */
    "note": "keep // this and /* this */"
  }
}`)
	cfg, err := LoadStrict(p)
	if err != nil {
		t.Fatalf("LoadStrict: %v", err)
	}
	if cfg.Port != 8282 {
		t.Errorf("port: got %d, want 8282", cfg.Port)
	}
	if got := cfg.Extra["note"]; got != "keep // this and /* this */" {
		t.Errorf("Extra[note]: got %q", got)
	}
}

func TestLoad_UnparseableFile(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "bad.yaml", "websocket: [unclosed\n")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: got %v, want defaults", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port: got %d, want default %d", cfg.Port, DefaultPort)
	}

	if _, err := LoadStrict(p); err == nil {
		t.Error("LoadStrict: expected error for unparseable file, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	p := filepath.Join(t.TempDir(), "absent.yaml")
	if _, err := Load(p); err != nil {
		t.Errorf("Load: got %v, want defaults", err)
	}
	if _, err := LoadStrict(p); err == nil {
		t.Error("LoadStrict: expected error for missing file, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "bus.yaml", `websocket:
  port: 9000
  ssl_cert: /tmp/cert.pem
  ssl_key: /tmp/key.pem
`)
	t.Setenv("OVOS_BUS_CONFIG_FILE", p)
	t.Setenv("OVOS_BUS_HOST", "10.0.0.5")
	t.Setenv("OVOS_BUS_PORT", "9999")
	t.Setenv("OVOS_BUS_MAX_MSG_SIZE", "100")
	t.Setenv("OVOS_BUS_ROUTE", "/env")
	t.Setenv("OVOS_BUS_USE_SSL", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path != p {
		t.Errorf("Path: got %q, want %q", cfg.Path, p)
	}
	if cfg.Host != "10.0.0.5" || cfg.Port != 9999 || cfg.Route != "/env" {
		t.Errorf("got %s:%d%s, want 10.0.0.5:9999/env", cfg.Host, cfg.Port, cfg.Route)
	}
	if cfg.MaxMsgSize != 100 {
		t.Errorf("max_msg_size: got %d, want 100", cfg.MaxMsgSize)
	}
	if !cfg.SSL {
		t.Error("ssl: got false, want true")
	}
	if got := cfg.URL(); got != "wss://10.0.0.5:9999/env" {
		t.Errorf("URL: got %q", got)
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("OVOS_BUS_PORT", "not-a-port")
	t.Setenv("OVOS_BUS_MAX_MSG_SIZE", "-3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port: got %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.MaxMsgSize != DefaultMaxMsgSize {
		t.Errorf("max_msg_size: got %d, want %d", cfg.MaxMsgSize, DefaultMaxMsgSize)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"zero port":        "websocket:\n  port: 0\n",
		"relative route":   "websocket:\n  route: core\n",
		"zero size":        "websocket:\n  max_msg_size: 0\n",
		"unknown unit":     "websocket:\n  max_msg_size_unit: GB\n",
		"ssl without cert": "websocket:\n  ssl: true\n",
		"zero buffer":      "websocket:\n  send_buffer_size: 0\n",
		"negative limit":   "websocket:\n  max_connections: -1\n",
		"bad duration":     "websocket:\n  ping_interval: soon\n",
		"route clash":      "websocket:\n  route: /metrics\n",
		"http route clash": "websocket:\n  health_route: /metrics\n",
		"log format":       "websocket:\n  log_format: xml\n",
		"log level":        "websocket:\n  log_level: loud\n",
		"non-string route": "websocket:\n  health_route: 5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			p := writeConfig(t, "bus.yaml", content)
			if _, err := Load(p); err == nil {
				t.Errorf("expected validation error, got nil")
			}
		})
	}
}

func TestMaxMsgBytes_Units(t *testing.T) {
	cases := []struct {
		unit string
		want int
	}{
		{"", 25 * 1024},
		{"KiB", 25 * 1024},
		{"MiB", 25 << 20},
		{"B", 25},
	}
	for _, tc := range cases {
		cfg := defaults()
		if tc.unit != "" {
			cfg.Extra["max_msg_size_unit"] = tc.unit
		}
		if got := cfg.MaxMsgBytes(); got != tc.want {
			t.Errorf("unit %q: got %d, want %d", tc.unit, got, tc.want)
		}
	}
}

func TestTuning_DefaultsAndExtras(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tu, err := cfg.Tuning()
	if err != nil {
		t.Fatalf("Tuning: %v", err)
	}
	want := Tuning{
		MaxMsgSizeUnit: DefaultMaxMsgSizeUnit,
		SendBufferSize: DefaultSendBufferSize,
		PingInterval:   DefaultPingInterval,
		WriteTimeout:   DefaultWriteTimeout,
		MetricsRoute:   DefaultMetricsRoute,
		HealthRoute:    DefaultHealthRoute,
		LogLevel:       DefaultLogLevel,
		LogFormat:      DefaultLogFormat,
	}
	if tu != want {
		t.Errorf("Tuning defaults:\n got %+v\nwant %+v", tu, want)
	}

	p := writeConfig(t, "bus.yaml", `websocket:
  max_connections: 100
  max_connections_per_ip: 4
  connection_rate: 2.5
  send_buffer_size: 8
  ping_interval: 15s
  idle_timeout: 120
  write_timeout: "2s"
  log_level: debug
  log_format: text
`)
	cfg, err = Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tu, err = cfg.Tuning()
	if err != nil {
		t.Fatalf("Tuning: %v", err)
	}
	if tu.MaxConnections != 100 || tu.MaxConnectionsPerIP != 4 {
		t.Errorf("connection caps: got %d/%d, want 100/4", tu.MaxConnections, tu.MaxConnectionsPerIP)
	}
	if tu.ConnectionRate != 2.5 || tu.ConnectionBurst != 3 {
		t.Errorf("rate/burst: got %v/%d, want 2.5/3", tu.ConnectionRate, tu.ConnectionBurst)
	}
	if tu.SendBufferSize != 8 {
		t.Errorf("send_buffer_size: got %d, want 8", tu.SendBufferSize)
	}
	if tu.PingInterval != 15*time.Second || tu.IdleTimeout != 2*time.Minute || tu.WriteTimeout != 2*time.Second {
		t.Errorf("durations: got %v/%v/%v", tu.PingInterval, tu.IdleTimeout, tu.WriteTimeout)
	}
	if tu.LogLevel != "debug" || tu.LogFormat != "text" {
		t.Errorf("logging: got %s/%s, want debug/text", tu.LogLevel, tu.LogFormat)
	}
}

func TestRestartRequired(t *testing.T) {
	base := defaults()

	same := defaults()
	same.Extra["log_level"] = "debug"
	if base.RestartRequired(same) {
		t.Error("log_level change: got restart required, want hot reload")
	}

	port := defaults()
	port.Port = 9000
	if !base.RestartRequired(port) {
		t.Error("port change: got no restart, want restart required")
	}

	buf := defaults()
	buf.Extra["send_buffer_size"] = 4
	if !base.RestartRequired(buf) {
		t.Error("send_buffer_size change: got no restart, want restart required")
	}

	unit := defaults()
	unit.Extra["max_msg_size_unit"] = "B"
	unit.MaxMsgSize = 25 * 1024
	if base.RestartRequired(unit) {
		t.Error("equivalent byte limit: got restart required, want none")
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"debug", "INFO", "", "warn", "warning", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("ParseLevel(verbose): expected error, got nil")
	}
}

func TestStripComments(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a": 1} // tail`, `{"a": 1} `},
		{"{\n// line\n\"a\": 1}", "{\n\n\"a\": 1}"},
		{`{"a": /* x */ 1}`, `{"a":  1}`},
		{"/* a\nb */1", "\n1"},
		{`{"url": "http://x"}`, `{"url": "http://x"}`},
		{`{"q": "say \"//hi\""}`, `{"q": "say \"//hi\""}`},
		{"a / b", "a / b"},
	}
	for _, tc := range cases {
		if got := stripComments(tc.in); got != tc.want {
			t.Errorf("stripComments(%q): got %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	p := writeConfig(t, "bus.yaml", "websocket:\n  port: 9000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 16)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, p, func(c *Config) { changed <- c }) }()

	// The watcher is registered asynchronously; keep rewriting until a reload lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-changed:
			// A write can be observed mid-truncate; wait for the full content.
			if cfg.Port != 9001 {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Watch: %v", err)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(p, []byte("websocket:\n  port: 9001\n"), 0o600); err != nil {
				t.Fatalf("rewrite: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
