package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "test.yaml", "mqtt_host: broker\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/mqttsensord.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mqttsensord.json"), []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "mqttsensord.json" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "mqttsensord.json")
	}
}

func TestLoad_YAMLDefaults(t *testing.T) {
	path := writeConfig(t, "mqttsensord.yaml", `
mqtt_host: broker.local
sensors:
  - type: apcups
    topic: ups/rack
  - type: dht22
    topic: env/garage
    GPIO: 4
    poll_interval: 10
    update_interval: 300
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.MQTTPort != 4884 {
		t.Errorf("MQTTPort = %d, want 4884", cfg.MQTTPort)
	}
	if !cfg.TLSEnabled() {
		t.Error("TLS should default on for port 4884")
	}
	if got := cfg.BrokerURL(); got != "mqtts://broker.local:4884" {
		t.Errorf("BrokerURL() = %q", got)
	}
	if cfg.PollTimeoutDuration() != 30*time.Second {
		t.Errorf("PollTimeoutDuration() = %v, want 30s", cfg.PollTimeoutDuration())
	}
	if cfg.TickInterval() != time.Second {
		t.Errorf("TickInterval() = %v, want 1s", cfg.TickInterval())
	}

	ups := cfg.Sensors[0]
	if ups.Name != "ups/rack" {
		t.Errorf("name should fall back to topic, got %q", ups.Name)
	}
	if ups.PollEvery() != 5*time.Second {
		t.Errorf("ups PollEvery() = %v, want default_interval 5s", ups.PollEvery())
	}
	if ups.UpdateEvery() != 0 {
		t.Errorf("ups UpdateEvery() = %v, want 0", ups.UpdateEvery())
	}
	if ups.UPS.Addr() != "localhost:3551" {
		t.Errorf("ups Addr() = %q, want localhost:3551", ups.UPS.Addr())
	}
	if ups.UPS.Command != "/sbin/apcaccess" {
		t.Errorf("ups Command = %q", ups.UPS.Command)
	}

	dht := cfg.Sensors[1]
	if dht.DHT.GPIO != 4 {
		t.Errorf("legacy GPIO key not honoured, got %d", dht.DHT.GPIO)
	}
	if dht.DHT.Device != DefaultDHTDevice {
		t.Errorf("dht Device = %q", dht.DHT.Device)
	}
	if dht.PollEvery() != 10*time.Second || dht.UpdateEvery() != 300*time.Second {
		t.Errorf("dht intervals = %v/%v", dht.PollEvery(), dht.UpdateEvery())
	}
}

func TestLoad_LegacyJSON(t *testing.T) {
	path := writeConfig(t, "mqttsensord.json", `{
    "mqtt_host": "mqtt.example.com",
    "mqtt_port": 1883,
    "mqtt_user": "sensors",
    "mqtt_password": "hunter2",
    "client_id": "pi-garage",
    "default_interval": 15,
    "subscribe": ["garage/UPDATE", "garage/servo"],
    "notify": ["garage/online"],
    "sensors": [
        {"type": "apcups", "host": "nas", "port": 3552, "topic": "garage/ups", "update_interval": 600}
    ]
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTTPort != 1883 || cfg.TLSEnabled() {
		t.Errorf("port/tls = %d/%v, want 1883/false", cfg.MQTTPort, cfg.TLSEnabled())
	}
	if cfg.ClientID != "pi-garage" {
		t.Errorf("ClientID = %q", cfg.ClientID)
	}
	if len(cfg.Subscribe) != 2 || len(cfg.Notify) != 1 {
		t.Errorf("subscribe/notify = %v/%v", cfg.Subscribe, cfg.Notify)
	}
	s := cfg.Sensors[0]
	if s.UPS.Addr() != "nas:3552" {
		t.Errorf("Addr() = %q, want nas:3552", s.UPS.Addr())
	}
	if s.PollEvery() != 15*time.Second {
		t.Errorf("PollEvery() = %v, want 15s", s.PollEvery())
	}
	if s.UpdateEvery() != 10*time.Minute {
		t.Errorf("UpdateEvery() = %v, want 10m", s.UpdateEvery())
	}
}

func TestLoad_LegacyJSONQuotedPorts(t *testing.T) {
	path := writeConfig(t, "mqttsensord.json", `{
    "mqtt_host": "mqtt.example.com",
    "mqtt_port": "4884",
    "mqtt_keepalive": 65535,
    "sensors": [
        {"type": "apcups", "port": "3551", "topic": "ups/a"},
        {"type": "apcups", "name": "b", "port": " 3552 ", "topic": "ups/b"}
    ]
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTTPort != 4884 || !cfg.TLSEnabled() {
		t.Errorf("port/tls = %d/%v, want 4884/true", cfg.MQTTPort, cfg.TLSEnabled())
	}
	if got := cfg.Sensors[0].UPS.Addr(); got != "localhost:3551" {
		t.Errorf("Addr() = %q, want localhost:3551", got)
	}
	if got := cfg.Sensors[1].UPS.Addr(); got != "localhost:3552" {
		t.Errorf("Addr() = %q, want localhost:3552", got)
	}
}

func TestLoad_MalformedJSONReportsPosition(t *testing.T) {
	path := writeConfig(t, "bad.json", "{\n  \"mqtt_host\": \"x\",\n  oops\n}")

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	if !strings.Contains(err.Error(), "line 3") {
		t.Errorf("error should carry line number, got: %v", err)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MQTTSENSORD_TEST_PASSWORD", "secret123")
	path := writeConfig(t, "env.yaml", `
mqtt_host: broker
mqtt_password: ${MQTTSENSORD_TEST_PASSWORD}
subscribe: [cmd/#]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTTPassword != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTTPassword, "secret123")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing host", "sensors: [{type: apcups, topic: a}]", "mqtt_host is required"},
		{"nothing to do", "mqtt_host: b", "at least one sensor"},
		{"missing topic", "mqtt_host: b\nsensors: [{type: apcups}]", "topic is required"},
		{"missing type", "mqtt_host: b\nsensors: [{topic: a}]", "type is required"},
		{"zero poll", "mqtt_host: b\nsensors: [{type: apcups, topic: a, poll_interval: 0}]", "poll_interval must be >= 1"},
		{"negative update", "mqtt_host: b\nsensors: [{type: apcups, topic: a, update_interval: -1}]", "update_interval must be >= 0"},
		{"duplicate name", "mqtt_host: b\nsensors: [{type: apcups, topic: a}, {type: dht11, topic: a}]", "duplicate sensor name"},
		{"bad level", "mqtt_host: b\nlog_level: loud\nsubscribe: [x]", "unknown log level"},
		{"bad format", "mqtt_host: b\nlog_format: xml\nsubscribe: [x]", "log_format"},
		{"influx without bucket", "mqtt_host: b\nsubscribe: [x]\ninflux: {url: 'http://i'}", "influx.bucket"},
		{"keepalive too large", "mqtt_host: b\nsubscribe: [x]\nmqtt_keepalive: 70000", "mqtt_keepalive 70000 out of range"},
		{"negative keepalive", "mqtt_host: b\nsubscribe: [x]\nmqtt_keepalive: -5", "mqtt_keepalive -5 out of range"},
		{"non-numeric port", "mqtt_host: b\nmqtt_port: http\nsubscribe: [x]", "not a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			if err == nil {
				t.Fatalf("Parse() should fail with %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want substring %q", err, tt.want)
			}
		})
	}
}

func TestParse_UnknownSensorTypeAccepted(t *testing.T) {
	cfg, err := Parse([]byte("mqtt_host: b\nsensors: [{type: bme280, topic: a}]"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Sensors[0].Type.Known() {
		t.Error("bme280 should not be a known type")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.String() == "TRACE" {
		t.Error("info level should not be renamed")
	}
}

func TestConfigLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		verbose   bool
		wantDebug bool
		want      string
	}{
		{"default info text", "", "", false, false, "level=INFO"},
		{"verbose raises info", "info", "", true, true, "level=INFO"},
		{"verbose keeps trace", "trace", "", true, true, "level=INFO"},
		{"json format", "warn", "json", false, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := &Config{LogLevel: tt.level, LogFormat: tt.format}
			logger := cfg.Logger(&buf, tt.verbose)

			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			logger.Info("hello")
			if tt.want != "" && !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
			if tt.format == "json" && buf.Len() != 0 {
				t.Errorf("warn-level logger wrote an info record: %q", buf.String())
			}
		})
	}
}

func TestNewLoggerTraceAddsSource(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, LevelTrace, "text").Log(context.Background(), LevelTrace, "raw output")
	out := buf.String()
	if !strings.Contains(out, "level=TRACE") || !strings.Contains(out, "source=") {
		t.Errorf("trace record = %q, want TRACE level and source", out)
	}
}
