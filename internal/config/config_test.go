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
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
tool_service:
  base_url: http://tools.internal:4000
  token: secret
generation:
  provider: anthropic
  api_key: sk-test
  model: claude-sonnet-4-20250514
rate_limit:
  enabled: true
  requests_per_window: 5
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Generation.Provider != "anthropic" {
		t.Errorf("provider = %q", cfg.Generation.Provider)
	}
	if cfg.RateLimit.RequestsPerWindow != 5 {
		t.Errorf("requests_per_window = %d", cfg.RateLimit.RequestsPerWindow)
	}
	// Defaults fill unset fields.
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL)
	}
	if cfg.Session.HistoryLimit != 20 {
		t.Errorf("history limit = %d", cfg.Session.HistoryLimit)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("STRATAGEM_TOOL_TOKEN", "from-env")
	path := writeConfig(t, `
tool_service:
  base_url: http://tools.internal:4000
  token: ${STRATAGEM_TOOL_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ToolService.Token != "from-env" {
		t.Errorf("token = %q", cfg.ToolService.Token)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := writeConfig(t, `
tool_service:
  base_url: http://tools.internal:4000
generation:
  provider: cohere
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoadRequiresToolServiceURL(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing tool service URL")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.RateLimit.Window != time.Hour {
		t.Errorf("window = %v", cfg.RateLimit.Window)
	}
}
