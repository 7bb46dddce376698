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
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  api_key: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.Dispatch.Workers != 4 {
		t.Errorf("Dispatch.Workers = %v, want 4", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.MaxRetries != 3 {
		t.Errorf("Dispatch.MaxRetries = %v, want 3", cfg.Dispatch.MaxRetries)
	}
	if cfg.Freeze.Threshold != 5 {
		t.Errorf("Freeze.Threshold = %v, want 5", cfg.Freeze.Threshold)
	}
	if cfg.Freeze.Cooldown != 15*time.Minute {
		t.Errorf("Freeze.Cooldown = %v, want 15m", cfg.Freeze.Cooldown)
	}
	if cfg.Scheduler.TickInterval != 15*time.Second {
		t.Errorf("Scheduler.TickInterval = %v, want 15s", cfg.Scheduler.TickInterval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %v/%v, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
api:
  listen_addr: ":9999"
  api_key: secret
storage:
  path: /tmp/lm.db
dispatch:
  workers: 8
  batch_size: 25
  poll_interval: 2s
  max_retries: 5
  backoff_base: 10s
  backoff_cap: 30m
  pace_per_second: 12.5
freeze:
  threshold: 3
  cooldown: 5m
scheduler:
  tick_interval: 30s
logging:
  level: debug
  format: text
metrics:
  enabled: true
sandbox: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":9999" {
		t.Errorf("API.ListenAddr = %v, want :9999", cfg.API.ListenAddr)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.BatchSize != 25 {
		t.Errorf("Dispatch = %+v, want workers 8 batch 25", cfg.Dispatch)
	}
	if cfg.Dispatch.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.Dispatch.PollInterval)
	}
	if cfg.Dispatch.PacePerSecond != 12.5 {
		t.Errorf("PacePerSecond = %v, want 12.5", cfg.Dispatch.PacePerSecond)
	}
	if cfg.Freeze.Threshold != 3 || cfg.Freeze.Cooldown != 5*time.Minute {
		t.Errorf("Freeze = %+v, want 3/5m", cfg.Freeze)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
	if !cfg.Sandbox {
		t.Error("Sandbox = false, want true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing api key", `
logging:
  level: info
`},
		{"bad log level", `
api:
  api_key: secret
logging:
  level: loud
`},
		{"bad log format", `
api:
  api_key: secret
logging:
  format: xml
`},
		{"negative pace", `
api:
  api_key: secret
dispatch:
  pace_per_second: -1
`},
	}

	for _, tt := range tests {
		path := writeConfig(t, tt.content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load() expected error", tt.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}
