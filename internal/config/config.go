package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/timzifer/smartmeter-bridge/internal/meter"
)

// EnvPrefix prefixes every environment override, e.g. SMARTMETER_MQTT_PASSWORD.
const EnvPrefix = "smartmeter"

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// TLSConfig configures the broker connection security.
type TLSConfig struct {
	Enabled            *bool  `yaml:"enabled,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
}

// IsEnabled reports whether TLS is used. TLS is on unless disabled explicitly.
func (t TLSConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// MQTTConfig describes the broker publishing the meter readings.
type MQTTConfig struct {
	Broker         string    `yaml:"broker"`
	Username       string    `yaml:"username"`
	Password       string    `yaml:"password"`
	Topic          string    `yaml:"topic"`
	ClientID       string    `yaml:"client_id,omitempty"`
	KeepAlive      Duration  `yaml:"keep_alive,omitempty"`
	ConnectTimeout Duration  `yaml:"connect_timeout,omitempty"`
	MaxReconnect   Duration  `yaml:"max_reconnect_interval,omitempty"`
	TLS            TLSConfig `yaml:"tls"`
}

// TimingConfig tunes the tick loop and the freshness policy.
type TimingConfig struct {
	Tick         Duration `yaml:"tick,omitempty"`
	QuietWindow  Duration `yaml:"quiet_window,omitempty"`
	StaleTimeout Duration `yaml:"stale_timeout,omitempty"`
}

// DBusConfig describes the exported grid meter service.
type DBusConfig struct {
	Bus               string `yaml:"bus,omitempty"`
	ServiceName       string `yaml:"service_name,omitempty"`
	DeviceServiceName string `yaml:"device_service_name,omitempty"`
	DeviceInstance    *int   `yaml:"device_instance,omitempty"`
	ProductID         int    `yaml:"product_id,omitempty"`
	ProductName       string `yaml:"product_name,omitempty"`
	FirmwareVersion   string `yaml:"firmware_version,omitempty"`
	HardwareVersion   string `yaml:"hardware_version,omitempty"`
	Serial            string `yaml:"serial,omitempty"`
	Connection        string `yaml:"connection,omitempty"`
}

// MirrorConfig enables republishing the derived values over MQTT.
type MirrorConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Topic             string `yaml:"topic"`
	AvailabilityTopic string `yaml:"availability_topic,omitempty"`
	QoS               byte   `yaml:"qos,omitempty"`
	Retain            *bool  `yaml:"retain,omitempty"`
}

// RetainFlag resolves the retain behaviour, retained by default.
func (m MirrorConfig) RetainFlag() bool {
	return m.Retain == nil || *m.Retain
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	Loki   LokiConfig `yaml:"loki"`
}

// TelemetryConfig enables the Prometheus endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the bridge.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Timing    TimingConfig    `yaml:"timing"`
	DBus      DBusConfig      `yaml:"dbus"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	HotReload bool            `yaml:"hot_reload"`
}

// envOverrides are read from SMARTMETER_* variables and take precedence
// over the file. Unset variables leave the file value untouched.
type envOverrides struct {
	Broker   *string `envconfig:"MQTT_BROKER"`
	Username *string `envconfig:"MQTT_USERNAME"`
	Password *string `envconfig:"MQTT_PASSWORD"`
	Topic    *string `envconfig:"MQTT_TOPIC"`
	LogLevel *string `envconfig:"LOG_LEVEL"`
}

// Load reads the configuration file, applies environment overrides and
// defaults. An empty path configures the bridge from the environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	env.apply(&cfg)
	cfg.ApplyDefaults()
	return &cfg, nil
}

func (e envOverrides) apply(cfg *Config) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&cfg.MQTT.Broker, e.Broker)
	set(&cfg.MQTT.Username, e.Username)
	set(&cfg.MQTT.Password, e.Password)
	set(&cfg.MQTT.Topic, e.Topic)
	set(&cfg.Logging.Level, e.LogLevel)
}

// ApplyDefaults fills unset fields with the values of the reference deployment.
func (c *Config) ApplyDefaults() {
	c.MQTT.Topic = strings.TrimRight(c.MQTT.Topic, "/")
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "SmartMeterDBus"
	}
	if c.DBus.Bus == "" {
		c.DBus.Bus = "system"
	}
	if c.DBus.ServiceName == "" {
		c.DBus.ServiceName = "com.victronenergy.grid.smartmeter"
	}
	if c.DBus.DeviceServiceName == "" {
		name := c.DBus.ServiceName
		c.DBus.DeviceServiceName = name[strings.LastIndex(name, ".")+1:]
	}
	if c.DBus.DeviceInstance == nil {
		instance := 30
		c.DBus.DeviceInstance = &instance
	}
	if c.DBus.ProductName == "" {
		c.DBus.ProductName = "SmartMeter"
	}
	if c.DBus.FirmwareVersion == "" {
		c.DBus.FirmwareVersion = "1.02"
	}
	if c.DBus.Connection == "" {
		c.DBus.Connection = "(API)"
	}
	c.Mirror.Topic = strings.TrimRight(c.Mirror.Topic, "/")
	if c.Mirror.AvailabilityTopic == "" && c.Mirror.Topic != "" {
		c.Mirror.AvailabilityTopic = c.Mirror.Topic + "/status"
	}
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = ":9480"
	}
}

// Validate reports configuration errors that would prevent the bridge from running.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	var errs []error
	if strings.TrimSpace(c.MQTT.Broker) == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	if c.MQTT.Topic == "" {
		errs = append(errs, errors.New("mqtt.topic is required"))
	}
	if strings.ContainsAny(c.MQTT.Topic, "#+") {
		errs = append(errs, fmt.Errorf("mqtt.topic %q must not contain wildcards", c.MQTT.Topic))
	}
	if (c.MQTT.TLS.CertFile == "") != (c.MQTT.TLS.KeyFile == "") {
		errs = append(errs, errors.New("mqtt.tls.cert_file and mqtt.tls.key_file must be set together"))
	}
	if c.QuietWindow() >= c.StaleTimeout() {
		errs = append(errs, fmt.Errorf("timing.quiet_window %s must be shorter than timing.stale_timeout %s", c.QuietWindow(), c.StaleTimeout()))
	}
	if c.Mirror.Enabled {
		switch {
		case c.Mirror.Topic == "":
			errs = append(errs, errors.New("mirror.topic is required when the mirror is enabled"))
		case c.Mirror.Topic == c.MQTT.Topic || strings.HasPrefix(c.Mirror.Topic, c.MQTT.Topic+"/"):
			errs = append(errs, fmt.Errorf("mirror.topic %q must not be below mqtt.topic %q", c.Mirror.Topic, c.MQTT.Topic))
		}
		if c.Mirror.QoS > 2 {
			errs = append(errs, fmt.Errorf("mirror.qos %d out of range", c.Mirror.QoS))
		}
	}
	if c.Logging.Loki.Enabled && c.Logging.Loki.URL == "" {
		errs = append(errs, errors.New("logging.loki.url is required when loki is enabled"))
	}
	return errors.Join(errs...)
}

// TickInterval returns the period of the freshness tick.
func (c *Config) TickInterval() time.Duration {
	if c == nil || c.Timing.Tick.Duration <= 0 {
		return meter.DefaultTickInterval
	}
	return c.Timing.Tick.Duration
}

// QuietWindow returns the silence required before a burst is committed.
func (c *Config) QuietWindow() time.Duration {
	if c == nil || c.Timing.QuietWindow.Duration <= 0 {
		return meter.DefaultQuietWindow
	}
	return c.Timing.QuietWindow.Duration
}

// StaleTimeout returns the silence after which published values are cleared.
func (c *Config) StaleTimeout() time.Duration {
	if c == nil || c.Timing.StaleTimeout.Duration <= 0 {
		return meter.DefaultStaleTimeout
	}
	return c.Timing.StaleTimeout.Duration
}

// ReferencedFiles lists the files the configuration points at, such as TLS
// certificates, so a hot reload can pick up rotated material.
func (c *Config) ReferencedFiles() []string {
	if c == nil {
		return nil
	}
	var files []string
	for _, path := range []string{c.MQTT.TLS.CAFile, c.MQTT.TLS.CertFile, c.MQTT.TLS.KeyFile} {
		if path = strings.TrimSpace(path); path != "" {
			files = append(files, path)
		}
	}
	return files
}
