package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Audit     AuditConfig     `yaml:"audit"`
	Sheets    SheetsConfig    `yaml:"sheets"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname"` // FQDN of the server
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // HTTP read timeout (default: 30s)
	WriteTimeout time.Duration `yaml:"write_timeout"` // HTTP write timeout (default: 30s)
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // HTTP idle timeout (default: 60s)
}

// TransportConfig selects and configures the external mail transport
type TransportConfig struct {
	Mode  string      `yaml:"mode"` // relay or smtp
	Relay RelayConfig `yaml:"relay"`
	SMTP  SMTPConfig  `yaml:"smtp"`
}

// RelayConfig contains settings for the HTTP relay transport
type RelayConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	From    string        `yaml:"from"`    // sender address registered with the relay
	Timeout time.Duration `yaml:"timeout"` // Request timeout (default: 30s)
}

// SMTPConfig contains settings for the smarthost submission transport
type SMTPConfig struct {
	Addr     string `yaml:"addr"` // host:port of the submission endpoint
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"` // envelope sender address
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"` // BoltDB file for settings and counters
}

// AuditConfig contains audit log settings
type AuditConfig struct {
	Dir string `yaml:"dir"` // Directory holding the tabular audit logs
}

// SheetsConfig contains recipient sheet settings
type SheetsConfig struct {
	Dir string `yaml:"dir"` // Directory holding recipient sheets
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Transport.Mode == "" {
		c.Transport.Mode = "smtp"
	}
	if c.Transport.Relay.Timeout == 0 {
		c.Transport.Relay.Timeout = 30 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/herald/herald.db"
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "/var/lib/herald/audit"
	}
	if c.Sheets.Dir == "" {
		c.Sheets.Dir = "/var/lib/herald/sheets"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "relay":
		if c.Transport.Relay.BaseURL == "" {
			return fmt.Errorf("transport.relay.base_url is required when mode is relay")
		}
		if c.Transport.Relay.From == "" {
			return fmt.Errorf("transport.relay.from is required when mode is relay")
		}
	case "smtp":
		if c.Transport.SMTP.Addr == "" {
			return fmt.Errorf("transport.smtp.addr is required when mode is smtp")
		}
		if c.Transport.SMTP.From == "" {
			return fmt.Errorf("transport.smtp.from is required when mode is smtp")
		}
	default:
		return fmt.Errorf("invalid transport.mode: %s (must be relay or smtp)", c.Transport.Mode)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
