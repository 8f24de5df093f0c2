package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nexus-gateway/nexus/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routing.Strategy != "smart" {
		t.Errorf("expected default strategy smart, got %q", cfg.Routing.Strategy)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nexus.toml")
	content := `
[server]
port = 9090

[routing]
strategy = "round_robin"
max_retries = 3

[[backends]]
id = "b1"
name = "local-ollama"
url = "http://localhost:11434"
type = "ollama"
priority = 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Routing.Strategy != "round_robin" {
		t.Errorf("expected strategy round_robin, got %q", cfg.Routing.Strategy)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].ID != "b1" {
		t.Fatalf("expected one backend b1, got %+v", cfg.Backends)
	}
}

func TestValidateRejectsDuplicateBackendID(t *testing.T) {
	cfg := config.Default()
	cfg.Backends = []config.BackendConfig{
		{ID: "dup", URL: "http://a"},
		{ID: "dup", URL: "http://b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate backend id to fail validation")
	}
}

func TestValidateRejectsDuplicateURL(t *testing.T) {
	cfg := config.Default()
	cfg.Backends = []config.BackendConfig{
		{ID: "a", URL: "http://same/"},
		{ID: "b", URL: "http://same"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate url (modulo trailing slash) to fail validation")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := config.Default()
	cfg.Routing.Strategy = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown routing strategy to fail validation")
	}
}

func TestEnvOverridesApplyAfterFileLoad(t *testing.T) {
	t.Setenv("NEXUS_SERVER_PORT", "7070")
	t.Setenv("NEXUS_ROUTING_STRATEGY", "priority_only")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected env override port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Routing.Strategy != "priority_only" {
		t.Errorf("expected env override strategy priority_only, got %q", cfg.Routing.Strategy)
	}
}
