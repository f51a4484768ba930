package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the telemetry agent.
type Config struct {
	Client  ClientConfig   `yaml:"client"`
	Broker  BrokerConfig   `yaml:"broker"`
	Sensors []SensorConfig `yaml:"sensors"`
	Agent   AgentConfig    `yaml:"agent"`
	Storage StorageConfig  `yaml:"storage"`
	Inspect InspectConfig  `yaml:"inspect"`
	Logging LoggingConfig  `yaml:"logging"`
}

// ClientConfig identifies this agent to the broker.
type ClientConfig struct {
	// ID is the stable client identity used in topic names and payload
	// envelopes. Generated when empty.
	ID string `yaml:"id"`
}

// BrokerConfig contains the MQTT connection settings.
type BrokerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	Keepalive            time.Duration `yaml:"keepalive"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	UseTLS               bool          `yaml:"use_tls"`
	CACert               string        `yaml:"ca_cert"`
	CertFile             string        `yaml:"cert_file"`
	KeyFile              string        `yaml:"key_file"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	// MockMode selects the non-networked broker client, for tests and
	// demo runs without a broker.
	MockMode bool `yaml:"mock_mode"`
}

// SensorConfig describes one sensor to register.
type SensorConfig struct {
	ID        string `yaml:"id"`
	Type      string `yaml:"type"`
	Pin       int    `yaml:"pin"`
	MaxErrors int    `yaml:"max_errors"`
}

// AgentConfig contains the poll-publish loop settings.
type AgentConfig struct {
	UpdateInterval time.Duration `yaml:"update_interval"`
}

// StorageConfig contains the local reading log settings.
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	FlushPeriod   time.Duration `yaml:"flush_period"`
	ChannelSize   int           `yaml:"channel_size"`
	RetentionDays int           `yaml:"retention_days"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
}

// InspectConfig contains the read-only inspection server settings.
type InspectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a YAML file, applies defaults
// and environment overrides, and validates the result.
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Broker.Host == "" {
		c.Broker.Host = "localhost"
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = 1883
	}
	if c.Broker.Keepalive == 0 {
		c.Broker.Keepalive = 60 * time.Second
	}
	if c.Broker.ConnectTimeout == 0 {
		c.Broker.ConnectTimeout = 10 * time.Second
	}
	if c.Broker.MaxReconnectAttempts == 0 {
		c.Broker.MaxReconnectAttempts = 10
	}
	if c.Broker.HeartbeatInterval == 0 {
		c.Broker.HeartbeatInterval = 30 * time.Second
	}
	if c.Agent.UpdateInterval == 0 {
		c.Agent.UpdateInterval = 30 * time.Second
	}
	for i := range c.Sensors {
		if c.Sensors[i].Type == "" {
			c.Sensors[i].Type = "DHT11"
		}
		if c.Sensors[i].Pin == 0 {
			c.Sensors[i].Pin = 4
		}
		if c.Sensors[i].MaxErrors == 0 {
			c.Sensors[i].MaxErrors = 5
		}
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushPeriod == 0 {
		c.Storage.FlushPeriod = 5 * time.Second
	}
	if c.Storage.ChannelSize == 0 {
		c.Storage.ChannelSize = 1000
	}
	if c.Storage.RetentionDays == 0 {
		c.Storage.RetentionDays = 30
	}
	if c.Storage.CleanupPeriod == 0 {
		c.Storage.CleanupPeriod = 1 * time.Hour
	}
	if c.Inspect.Host == "" {
		c.Inspect.Host = "127.0.0.1"
	}
	if c.Inspect.Port == 0 {
		c.Inspect.Port = 8181
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables.
func (c *Config) OverrideFromEnv() {
	if v := os.Getenv("CLIENT_ID"); v != "" {
		c.Client.ID = v
	}
	if v := os.Getenv("MQTT_HOST"); v != "" {
		c.Broker.Host = v
	}
	if v := os.Getenv("MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Broker.Port = port
		}
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.Broker.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port must be between 1 and 65535")
	}
	if c.Broker.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	if c.Broker.HeartbeatInterval < 1*time.Second {
		return fmt.Errorf("heartbeat interval must be at least 1 second")
	}
	if c.Broker.UseTLS {
		if (c.Broker.CertFile == "") != (c.Broker.KeyFile == "") {
			return fmt.Errorf("client cert and key must be configured together")
		}
	}
	if c.Agent.UpdateInterval < 1*time.Second {
		return fmt.Errorf("update interval must be at least 1 second")
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor is required")
	}
	seen := make(map[string]bool, len(c.Sensors))
	for _, s := range c.Sensors {
		if s.ID == "" {
			return fmt.Errorf("sensor ID is required")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate sensor ID: %s", s.ID)
		}
		seen[s.ID] = true
		if s.MaxErrors < 1 {
			return fmt.Errorf("sensor %s: max errors must be at least 1", s.ID)
		}
	}
	if c.Storage.Enabled && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required when storage is enabled")
	}
	return nil
}

// String returns a safe string representation (hides the password).
func (c *Config) String() string {
	return fmt.Sprintf("Config{Client: %s, Broker: [%s:%d, user=%s, pass=%s, tls=%t, mock=%t], Sensors: %d, UpdateInterval: %s}",
		c.Client.ID,
		c.Broker.Host,
		c.Broker.Port,
		c.Broker.Username,
		maskSecret(c.Broker.Password),
		c.Broker.UseTLS,
		c.Broker.MockMode,
		len(c.Sensors),
		c.Agent.UpdateInterval,
	)
}

// maskSecret masks all but the first 2 characters of a secret.
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 2 {
		return "****"
	}
	return secret[:2] + "****"
}
