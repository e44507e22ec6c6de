package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-sim/internal/validation"
)

// ConfigurationError reports a fatal misconfiguration detected at
// construction time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Config represents the simulator configuration
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Clock   ClockConfig    `yaml:"clock"`
	Region  string         `yaml:"region"`
	Gateway GatewayConfig  `yaml:"gateway"`
	Devices []DeviceConfig `yaml:"devices" validate:"-"`
	Mirror  MirrorConfig   `yaml:"mirror"`
	NATS    NATSConfig     `yaml:"nats"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	API     APIConfig      `yaml:"api"`
	JWT     JWTConfig      `yaml:"jwt"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// ClockConfig represents virtual clock configuration
type ClockConfig struct {
	Mode           string `yaml:"mode" validate:"oneof=realtime manual"`
	TicksPerSecond uint64 `yaml:"ticks_per_second" validate:"min=1"`
}

// GatewayConfig represents the simulated gateway
type GatewayConfig struct {
	EUI               string        `yaml:"eui"`
	Host              string        `yaml:"host" validate:"required"`
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" validate:"min=1"`
	StatusInterval    time.Duration `yaml:"status_interval" validate:"min=1"`
	Latitude          float64       `yaml:"latitude"`
	Longitude         float64       `yaml:"longitude"`
	Altitude          int           `yaml:"altitude"`
	// Antenna relays completed transmissions heard on the air to the gateway.
	Antenna bool `yaml:"antenna"`
}

// DeviceConfig represents a simulated end device transmitting periodically
type DeviceConfig struct {
	EUI        string        `yaml:"eui"`
	DataRate   int           `yaml:"data_rate" validate:"min=0,max=15"`
	Frequency  uint32        `yaml:"frequency" validate:"required"`
	CodingRate string        `yaml:"coding_rate"`
	Power      int           `yaml:"power"`
	Interval   time.Duration `yaml:"interval" validate:"min=1"`
	Payload    string        `yaml:"payload"`
}

// MirrorConfig selects broker topics mirrored onto NATS, MQTT and an
// optional HTTP webhook
type MirrorConfig struct {
	Topics  []string `yaml:"topics"`
	Webhook string   `yaml:"webhook"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos" validate:"max=2"`
}

// APIConfig represents the control API
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	// Operators maps operator names to bcrypt password hashes.
	Operators map[string]string `yaml:"operators" validate:"-"`
}

// Defaults
const (
	DefaultTicksPerSecond    = 1000
	DefaultKeepaliveInterval = 5 * time.Second
	DefaultStatusInterval    = 30 * time.Second
	DefaultTokenTTL          = time.Hour
)

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if mqttBroker := os.Getenv("MQTT_BROKER"); mqttBroker != "" {
		c.MQTT.Broker = mqttBroker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if host := os.Getenv("GATEWAY_HOST"); host != "" {
		c.Gateway.Host = host
	}

	if port := os.Getenv("GATEWAY_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			log.Warn().Str("GATEWAY_PORT", port).Msg("ignoring invalid port override")
		} else {
			c.Gateway.Port = p
		}
	}
}

// SetDefaults fills unset optional values.
func (c *Config) SetDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Clock.Mode == "" {
		c.Clock.Mode = "realtime"
	}
	if c.Clock.TicksPerSecond == 0 {
		c.Clock.TicksPerSecond = DefaultTicksPerSecond
	}
	if c.Region == "" {
		c.Region = "EU868"
	}
	c.Gateway.SetDefaults()
	for i := range c.Devices {
		if c.Devices[i].CodingRate == "" {
			c.Devices[i].CodingRate = "4/5"
		}
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "sim"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "sim"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "lorawan-sim"
	}
	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = DefaultTokenTTL
	}
}

// Validate sets defaults and checks the whole configuration.
func (c *Config) Validate() error {
	c.SetDefaults()

	v := validation.NewValidator()
	if err := v.Validate(c); err != nil {
		return asConfigurationError("", err)
	}

	if err := c.Gateway.Validate(); err != nil {
		return err
	}

	for i := range c.Devices {
		if err := v.Validate(c.Devices[i]); err != nil {
			return asConfigurationError(fmt.Sprintf("Devices[%d].", i), err)
		}
	}

	return nil
}

// SetDefaults fills unset gateway intervals.
func (g *GatewayConfig) SetDefaults() {
	if g.KeepaliveInterval == 0 {
		g.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if g.StatusInterval == 0 {
		g.StatusInterval = DefaultStatusInterval
	}
}

// Validate checks that the gateway can be constructed. Missing host or port
// is a ConfigurationError.
func (g *GatewayConfig) Validate() error {
	if err := validation.NewValidator().Validate(g); err != nil {
		return asConfigurationError("Gateway.", err)
	}
	return nil
}

func asConfigurationError(prefix string, err error) error {
	var fe *validation.FieldError
	if errors.As(err, &fe) {
		return &ConfigurationError{Field: prefix + fe.Field, Reason: fe.Err.Error()}
	}
	return &ConfigurationError{Field: prefix, Reason: err.Error()}
}
