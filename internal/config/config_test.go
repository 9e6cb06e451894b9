package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != filepath.Join(home, "hive.db") {
		t.Fatalf("db path = %s", cfg.DBPath)
	}
	if cfg.BindAddr == "" || cfg.LogLevel != "info" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Embedder.Dimension != 1024 || cfg.Embedder.Model == "" {
		t.Fatalf("embedder = %+v", cfg.Embedder)
	}
	if cfg.SessionDebounce() != 500*time.Millisecond {
		t.Fatalf("debounce = %v", cfg.SessionDebounce())
	}
	if cfg.Sync.TombstoneTTLDays != 30 || cfg.WalThresholdMB != 100 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadPartialYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `
log_level: debug
embedder:
  model: custom-embed
sessions:
  debounce_ms: 250
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Embedder.Model != "custom-embed" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Sessions.DebounceMs != 250 {
		t.Fatalf("debounce = %d", cfg.Sessions.DebounceMs)
	}
	// Untouched fields fall back to defaults.
	if cfg.Embedder.Dimension != 1024 || cfg.Sync.FlushDebounceMs != 5000 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("{{nope"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("want parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HIVE_DB_PATH", "/custom/hive.db")
	t.Setenv("HIVE_EMBEDDER_DIM", "768")
	t.Setenv("HIVE_LOG_LEVEL", "warn")

	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DBPath != "/custom/hive.db" || cfg.Embedder.Dimension != 768 || cfg.LogLevel != "warn" {
		t.Fatalf("cfg = %+v", cfg)
	}
}
