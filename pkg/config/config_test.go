package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Bind != DefaultBind {
		t.Errorf("bind = %q, want %q", cfg.Server.Bind, DefaultBind)
	}
	if cfg.Agent.LockTimeout != DefaultLockTimeout {
		t.Errorf("lock timeout = %v", cfg.Agent.LockTimeout)
	}
	if cfg.Agent.ScannerBuffer != DefaultScannerBuffer {
		t.Errorf("scanner buffer = %d", cfg.Agent.ScannerBuffer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromPathMerges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  bind: "127.0.0.1:9001"
agent:
  max_turns: 50
  lock_timeout: 10s
  stale_markers: ["gone"]
logs:
  stdout: false
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Server.Bind != "127.0.0.1:9001" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.Agent.MaxTurns != 50 {
		t.Errorf("max turns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.LockTimeout != 10*time.Second {
		t.Errorf("lock timeout = %v", cfg.Agent.LockTimeout)
	}
	if len(cfg.Agent.StaleMarkers) != 1 || cfg.Agent.StaleMarkers[0] != "gone" {
		t.Errorf("stale markers = %v", cfg.Agent.StaleMarkers)
	}
	if cfg.Logs.Stdout {
		t.Error("logs.stdout override lost")
	}
	// Untouched fields keep defaults.
	if cfg.Agent.Binary != DefaultAgentBinary {
		t.Errorf("binary = %q", cfg.Agent.Binary)
	}
}

func TestValidateRejectsPublicBindWithoutToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Bind = "0.0.0.0:8001"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for public bind without token")
	}
	cfg.Server.AuthToken = strings.Repeat("x", MinTokenLength)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("public bind with token should validate: %v", err)
	}
}

func TestValidateShortToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.AuthToken = "short"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for short token")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONND_BIND", "127.0.0.1:7777")
	t.Setenv("CONND_MAX_TURNS", "9")
	t.Setenv("CONND_LOCK_TIMEOUT", "2s")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Bind != "127.0.0.1:7777" {
		t.Errorf("bind = %q", cfg.Server.Bind)
	}
	if cfg.Agent.MaxTurns != 9 {
		t.Errorf("max turns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.LockTimeout != 2*time.Second {
		t.Errorf("lock timeout = %v", cfg.Agent.LockTimeout)
	}
}
