// Package config handles mqttsensord configuration loading.
//
// The configuration file is YAML. Because YAML is a superset of JSON,
// legacy JSON configuration files are accepted as well; they are
// detected by their leading brace and decoded with encoding/json first
// so syntax errors carry JSON offsets.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [Config.applyDefaults].
const (
	DefaultMQTTPort         = 4884
	DefaultInterval         = 5
	DefaultKeepAlive        = 60
	DefaultPollTimeout      = 30
	DefaultPublishTimeout   = 5
	DefaultTickInterval     = 1000
	DefaultInboundRateLimit = 100
	DefaultCAFile           = "/etc/ssl/certs/ca-certificates.crt"
	DefaultDataDir          = "./data"
	DefaultUPSHost          = "localhost"
	DefaultUPSPort          = 3551
	DefaultUPSCommand       = "/sbin/apcaccess"
	DefaultDHTDevice        = "/sys/bus/iio/devices/iio:device0"
	DefaultDHTRetries       = 3
	DefaultMeasurement      = "mqttsensord"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config flag is given.
func DefaultSearchPaths() []string {
	paths := []string{"mqttsensord.yaml", "mqttsensord.json"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mqttsensord", "mqttsensord.yaml"))
	}

	paths = append(paths,
		"/etc/mqttsensord/mqttsensord.yaml",
		"/etc/mqttsensord/mqttsensord.json",
	)
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mqttsensord configuration. Field names follow the
// legacy JSON file so existing deployments load unchanged.
type Config struct {
	MQTTHost      string `yaml:"mqtt_host"`
	MQTTPort      Port   `yaml:"mqtt_port"`
	MQTTUser      string `yaml:"mqtt_user"`
	MQTTPassword  string `yaml:"mqtt_password"`
	ClientID      string `yaml:"client_id"`
	MQTTTLS       *bool  `yaml:"mqtt_tls"`
	MQTTCAFile    string `yaml:"mqtt_ca_file"`
	MQTTKeepAlive int    `yaml:"mqtt_keepalive"`

	// DefaultInterval seeds poll_interval for sensors that omit it.
	DefaultInterval int            `yaml:"default_interval"`
	Sensors         []SensorConfig `yaml:"sensors"`

	// Subscribe lists inbound topic filters, re-subscribed on every connect.
	Subscribe []string `yaml:"subscribe"`
	// Notify lists topics that receive a notify message on every connect.
	Notify []string `yaml:"notify"`

	// PollTimeout bounds a single source poll in seconds. Zero disables
	// the bound. Nil means "use the default".
	PollTimeout *int `yaml:"poll_timeout"`
	// PublishTimeout bounds a single broker publish in seconds.
	PublishTimeout int `yaml:"publish_timeout"`
	// TickIntervalMS is the scheduler's minimum tick.
	TickIntervalMS int `yaml:"tick_interval_ms"`
	// InboundRateLimit caps inbound messages per second.
	InboundRateLimit int `yaml:"inbound_rate_limit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DataDir   string `yaml:"data_dir"`

	Status StatusConfig `yaml:"status"`
	Influx InfluxConfig `yaml:"influx"`
}

// StatusConfig defines the optional HTTP status server.
type StatusConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Zero disables the server
}

// Configured reports whether the status server should be started.
func (c StatusConfig) Configured() bool {
	return c.Port > 0
}

// InfluxConfig defines the optional InfluxDB mirror of published readings.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// Configured reports whether readings should be mirrored to InfluxDB.
func (c InfluxConfig) Configured() bool {
	return c.URL != ""
}

// Port is a TCP port number. Legacy JSON configs quote ports
// ("port": "3551"), so numeric strings are accepted too.
type Port int

// UnmarshalYAML accepts an integer or a numeric string.
func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	var n int
	if err := value.Decode(&n); err == nil {
		*p = Port(n)
		return nil
	}
	if value.Kind == yaml.ScalarNode && value.ShortTag() == "!!str" {
		n, err := strconv.Atoi(strings.TrimSpace(value.Value))
		if err == nil {
			*p = Port(n)
			return nil
		}
	}
	return fmt.Errorf("line %d: port %q is not a number", value.Line, value.Value)
}

// SensorType selects the Reading Source backing a sensor.
type SensorType string

// Known sensor types. Any other value is accepted by the loader and
// produces an error reading at poll time.
const (
	SensorUPS   SensorType = "apcups"
	SensorDHT11 SensorType = "dht11"
	SensorDHT22 SensorType = "dht22"
)

// Known reports whether t names a supported source backend.
func (t SensorType) Known() bool {
	switch t {
	case SensorUPS, SensorDHT11, SensorDHT22:
		return true
	}
	return false
}

// SensorConfig is one configured sensor. Source-specific parameters live
// in the UPS and DHT blocks; only the block matching Type is meaningful.
type SensorConfig struct {
	Type  SensorType `yaml:"type"`
	Name  string     `yaml:"name"`
	Topic string     `yaml:"topic"`

	// PollInterval is the minimum number of seconds between polls.
	PollInterval *int `yaml:"poll_interval"`
	// UpdateInterval forces a republish at least this often (seconds),
	// even when the reading is unchanged. Zero republishes every poll.
	UpdateInterval *int `yaml:"update_interval"`

	UPS UPSConfig `yaml:",inline"`
	DHT DHTConfig `yaml:",inline"`
}

// UPSConfig holds the apcupsd network information server endpoint.
type UPSConfig struct {
	Host    string `yaml:"host"`
	Port    Port   `yaml:"port"`
	Command string `yaml:"command"`
}

// Addr returns the host:port argument passed to the status command.
func (u UPSConfig) Addr() string {
	return u.Host + ":" + strconv.Itoa(int(u.Port))
}

// DHTConfig holds the temperature/humidity sensor wiring.
type DHTConfig struct {
	GPIO       int    `yaml:"gpio"`
	LegacyGPIO *int   `yaml:"GPIO"`
	Device     string `yaml:"device"`
	Retries    int    `yaml:"retries"`
}

// PollEvery returns the sensor's poll interval as a duration.
func (s SensorConfig) PollEvery() time.Duration {
	if s.PollInterval == nil {
		return DefaultInterval * time.Second
	}
	return time.Duration(*s.PollInterval) * time.Second
}

// UpdateEvery returns the sensor's forced-refresh interval as a duration.
func (s SensorConfig) UpdateEvery() time.Duration {
	if s.UpdateInterval == nil {
		return 0
	}
	return time.Duration(*s.UpdateInterval) * time.Second
}

// Load reads configuration from a YAML (or legacy JSON) file, expands
// environment variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes, defaults, and validates raw configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := []byte(os.ExpandEnv(string(data)))

	if trimmed := bytes.TrimSpace(expanded); len(trimmed) > 0 && trimmed[0] == '{' {
		converted, err := jsonToYAML(trimmed)
		if err != nil {
			return nil, err
		}
		expanded = converted
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// jsonToYAML re-encodes a JSON document as YAML so a single set of
// struct tags serves both formats.
func jsonToYAML(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			line, col := lineCol(data, syntaxErr.Offset)
			return nil, fmt.Errorf("decode JSON config at line %d column %d: %w", line, col, err)
		}
		return nil, fmt.Errorf("decode JSON config: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode JSON config: %w", err)
	}
	return out, nil
}

// lineCol converts a byte offset into a 1-based line and column.
func lineCol(data []byte, offset int64) (int, int) {
	line, col := 1, 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
			continue
		}
		col++
	}
	return line, col
}

// applyDefaults fills in zero-value fields. It never overrides values
// the file set explicitly.
func (c *Config) applyDefaults() {
	if c.MQTTPort == 0 {
		c.MQTTPort = DefaultMQTTPort
	}
	if c.MQTTTLS == nil {
		tls := c.MQTTPort == 4883 || c.MQTTPort == 4884
		c.MQTTTLS = &tls
	}
	if c.MQTTCAFile == "" {
		c.MQTTCAFile = DefaultCAFile
	}
	if c.MQTTKeepAlive == 0 {
		c.MQTTKeepAlive = DefaultKeepAlive
	}
	if c.DefaultInterval == 0 {
		c.DefaultInterval = DefaultInterval
	}
	if c.PollTimeout == nil {
		v := DefaultPollTimeout
		c.PollTimeout = &v
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.TickIntervalMS == 0 {
		c.TickIntervalMS = DefaultTickInterval
	}
	if c.InboundRateLimit == 0 {
		c.InboundRateLimit = DefaultInboundRateLimit
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Influx.Measurement == "" {
		c.Influx.Measurement = DefaultMeasurement
	}

	for i := range c.Sensors {
		s := &c.Sensors[i]
		if s.Name == "" {
			s.Name = s.Topic
		}
		if s.PollInterval == nil {
			v := c.DefaultInterval
			s.PollInterval = &v
		}
		if s.UpdateInterval == nil {
			v := 0
			s.UpdateInterval = &v
		}

		switch s.Type {
		case SensorUPS:
			if s.UPS.Host == "" {
				s.UPS.Host = DefaultUPSHost
			}
			if s.UPS.Port == 0 {
				s.UPS.Port = DefaultUPSPort
			}
			if s.UPS.Command == "" {
				s.UPS.Command = DefaultUPSCommand
			}
		case SensorDHT11, SensorDHT22:
			if s.DHT.GPIO == 0 && s.DHT.LegacyGPIO != nil {
				s.DHT.GPIO = *s.DHT.LegacyGPIO
			}
			if s.DHT.Device == "" {
				s.DHT.Device = DefaultDHTDevice
			}
			if s.DHT.Retries == 0 {
				s.DHT.Retries = DefaultDHTRetries
			}
		}
	}
}

// Validate checks that all required fields are present and in range.
// Errors returned here are fatal: the daemon refuses to start.
func (c *Config) Validate() error {
	if c.MQTTHost == "" {
		return fmt.Errorf("mqtt_host is required")
	}
	if c.MQTTPort < 1 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port %d out of range", c.MQTTPort)
	}
	if c.MQTTKeepAlive < 0 || c.MQTTKeepAlive > 65535 {
		return fmt.Errorf("mqtt_keepalive %d out of range (0-65535 seconds)", c.MQTTKeepAlive)
	}
	if c.DefaultInterval < 1 {
		return fmt.Errorf("default_interval must be >= 1, got %d", c.DefaultInterval)
	}
	if len(c.Sensors) == 0 && len(c.Subscribe) == 0 {
		return fmt.Errorf("at least one sensor or subscribe topic is required")
	}
	if *c.PollTimeout < 0 {
		return fmt.Errorf("poll_timeout must be >= 0, got %d", *c.PollTimeout)
	}
	if c.PublishTimeout < 0 {
		return fmt.Errorf("publish_timeout must be >= 0, got %d", c.PublishTimeout)
	}
	if c.TickIntervalMS < 1 {
		return fmt.Errorf("tick_interval_ms must be >= 1, got %d", c.TickIntervalMS)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q must be text or json", c.LogFormat)
	}
	if c.Influx.Configured() && c.Influx.Bucket == "" {
		return fmt.Errorf("influx.bucket is required when influx.url is set")
	}

	seen := make(map[string]bool, len(c.Sensors))
	for i, s := range c.Sensors {
		if s.Topic == "" {
			return fmt.Errorf("sensors[%d]: topic is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sensors[%d]: duplicate sensor name %q", i, s.Name)
		}
		seen[s.Name] = true

		if *s.PollInterval < 1 {
			return fmt.Errorf("sensor %s: poll_interval must be >= 1, got %d", s.Name, *s.PollInterval)
		}
		if *s.UpdateInterval < 0 {
			return fmt.Errorf("sensor %s: update_interval must be >= 0, got %d", s.Name, *s.UpdateInterval)
		}

		switch s.Type {
		case SensorUPS:
			if s.UPS.Port < 1 || s.UPS.Port > 65535 {
				return fmt.Errorf("sensor %s: port %d out of range", s.Name, s.UPS.Port)
			}
		case SensorDHT11, SensorDHT22:
			if s.DHT.Retries < 1 {
				return fmt.Errorf("sensor %s: retries must be >= 1, got %d", s.Name, s.DHT.Retries)
			}
		case "":
			return fmt.Errorf("sensor %s: type is required", s.Name)
		}
	}
	return nil
}

// TLSEnabled reports whether the broker connection uses TLS.
func (c *Config) TLSEnabled() bool {
	return c.MQTTTLS != nil && *c.MQTTTLS
}

// BrokerURL returns the broker address in the URL form autopaho expects.
func (c *Config) BrokerURL() string {
	scheme := "mqtt"
	if c.TLSEnabled() {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTTHost, c.MQTTPort)
}

// PollTimeoutDuration returns the per-poll bound; zero means unbounded.
func (c *Config) PollTimeoutDuration() time.Duration {
	if c.PollTimeout == nil {
		return DefaultPollTimeout * time.Second
	}
	return time.Duration(*c.PollTimeout) * time.Second
}

// PublishTimeoutDuration returns the per-publish bound.
func (c *Config) PublishTimeoutDuration() time.Duration {
	return time.Duration(c.PublishTimeout) * time.Second
}

// TickInterval returns the scheduler's minimum tick.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}
