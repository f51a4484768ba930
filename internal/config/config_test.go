package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalConfig = `
client:
  id: test-client
broker:
  host: broker.example.com
sensors:
  - id: sensor-01
    type: DHT22
    pin: 17
`

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Broker.Port != 1883 {
		t.Errorf("Broker.Port = %d, want 1883", cfg.Broker.Port)
	}
	if cfg.Broker.Keepalive != 60*time.Second {
		t.Errorf("Broker.Keepalive = %v, want 60s", cfg.Broker.Keepalive)
	}
	if cfg.Broker.MaxReconnectAttempts != 10 {
		t.Errorf("MaxReconnectAttempts = %d, want 10", cfg.Broker.MaxReconnectAttempts)
	}
	if cfg.Broker.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.Broker.HeartbeatInterval)
	}
	if cfg.Agent.UpdateInterval != 30*time.Second {
		t.Errorf("UpdateInterval = %v, want 30s", cfg.Agent.UpdateInterval)
	}
	if cfg.Sensors[0].MaxErrors != 5 {
		t.Errorf("Sensors[0].MaxErrors = %d, want 5", cfg.Sensors[0].MaxErrors)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging defaults = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MQTT_HOST", "override.example.com")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_PASSWORD", "hunter2")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeTempConfig(t, minimalConfig)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Broker.Host != "override.example.com" {
		t.Errorf("Broker.Host = %s, env override not applied", cfg.Broker.Host)
	}
	if cfg.Broker.Port != 8883 {
		t.Errorf("Broker.Port = %d, want 8883", cfg.Broker.Port)
	}
	if cfg.Broker.Password != "hunter2" {
		t.Errorf("Broker.Password not overridden")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Client: ClientConfig{ID: "c1"},
			Broker: BrokerConfig{Host: "localhost"},
			Sensors: []SensorConfig{
				{ID: "s1", Type: "DHT11", Pin: 4},
			},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no sensors", func(c *Config) { c.Sensors = nil }, "at least one sensor"},
		{"empty sensor id", func(c *Config) { c.Sensors[0].ID = "" }, "sensor ID"},
		{"duplicate sensor ids", func(c *Config) {
			c.Sensors = append(c.Sensors, SensorConfig{ID: "s1", Type: "DHT11", Pin: 5, MaxErrors: 5})
		}, "duplicate"},
		{"bad port", func(c *Config) { c.Broker.Port = 70000 }, "port"},
		{"short update interval", func(c *Config) { c.Agent.UpdateInterval = 100 * time.Millisecond }, "update interval"},
		{"tls cert without key", func(c *Config) {
			c.Broker.UseTLS = true
			c.Broker.CertFile = "/etc/certs/client.pem"
		}, "cert and key"},
		{"storage enabled without path", func(c *Config) { c.Storage.Enabled = true }, "storage path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_StringMasksPassword(t *testing.T) {
	cfg := &Config{
		Broker: BrokerConfig{Host: "localhost", Port: 1883, Password: "supersecret"},
	}
	s := cfg.String()
	if strings.Contains(s, "supersecret") {
		t.Errorf("String() leaks password: %s", s)
	}
	if !strings.Contains(s, "su****") {
		t.Errorf("String() should show masked prefix: %s", s)
	}
}
