package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultMaxOutputBytes != DefaultMaxOutputBytes {
		t.Fatalf("DefaultMaxOutputBytes = %d, want %d", cfg.DefaultMaxOutputBytes, DefaultMaxOutputBytes)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "socket_path: /tmp/custom.sock\ndefault_timeout_secs: 30\nlog_enabled: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Fatalf("SocketPath = %q", cfg.SocketPath)
	}
	if cfg.DefaultTimeoutSecs != 30 {
		t.Fatalf("DefaultTimeoutSecs = %v", cfg.DefaultTimeoutSecs)
	}
	if !cfg.LogEnabled {
		t.Fatal("expected LogEnabled to be true")
	}
	// Untouched field still falls back to the default.
	if cfg.DefaultMaxOutputBytes != DefaultMaxOutputBytes {
		t.Fatalf("DefaultMaxOutputBytes = %d, want default", cfg.DefaultMaxOutputBytes)
	}
}
