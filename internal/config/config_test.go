package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
transport:
  mode: smtp
  smtp:
    addr: mail.example.com:587
    from: herald@example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %q, want :8080", cfg.API.ListenAddr)
	}
	if cfg.API.ReadTimeout != 30*time.Second {
		t.Errorf("API.ReadTimeout = %v, want 30s", cfg.API.ReadTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Metrics.ListenAddr != ":9090" {
		t.Errorf("Metrics.ListenAddr = %q, want :9090", cfg.Metrics.ListenAddr)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoadRelayTransport(t *testing.T) {
	path := writeConfig(t, `
transport:
  mode: relay
  relay:
    base_url: http://relay:8080
    api_key: secret
    from: herald@example.com
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.Relay.Timeout != 30*time.Second {
		t.Errorf("Relay.Timeout = %v, want 30s", cfg.Transport.Relay.Timeout)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "relay without base_url",
			content: `
transport:
  mode: relay
`,
		},
		{
			name: "relay without from",
			content: `
transport:
  mode: relay
  relay:
    base_url: http://relay:8080
`,
		},
		{
			name: "smtp without addr",
			content: `
transport:
  mode: smtp
  smtp:
    from: herald@example.com
`,
		},
		{
			name: "smtp without from",
			content: `
transport:
  mode: smtp
  smtp:
    addr: mail.example.com:587
`,
		},
		{
			name: "unknown transport mode",
			content: `
transport:
  mode: carrier-pigeon
`,
		},
		{
			name: "bad log level",
			content: `
transport:
  mode: smtp
  smtp:
    addr: mail.example.com:587
    from: herald@example.com
logging:
  level: verbose
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() expected error for missing file")
	}
}
