package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	hiveotel "github.com/basket/hive/internal/otel"
	"gopkg.in/yaml.v3"
)

// EmbedderConfig holds connection settings for the external embedding service.
type EmbedderConfig struct {
	// Host is the base URL of the Ollama-compatible server.
	Host string `yaml:"host"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimension is the embedding vector width. Stored embeddings must match.
	Dimension int `yaml:"dimension"`
	// TimeoutSeconds bounds each embedding call.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SessionsConfig configures the session indexer.
type SessionsConfig struct {
	// WatchDirs are the transcript directories to observe. Defaults to the
	// well-known per-agent session directories under the user's home.
	WatchDirs []string `yaml:"watch_dirs"`
	// Suffix filters watched files. Default ".jsonl".
	Suffix string `yaml:"suffix"`
	// DebounceMs is the per-path debounce window. Default 500.
	DebounceMs int `yaml:"debounce_ms"`
	// Concurrency bounds parallel embedding batches. Default 5.
	Concurrency int `yaml:"concurrency"`
}

// SyncConfig configures the JSONL git-sync layer.
type SyncConfig struct {
	// FlushDebounceMs is the dirty-bead flush debounce. Default 5000.
	FlushDebounceMs int `yaml:"flush_debounce_ms"`
	// TombstoneTTLDays is how long tombstones survive before GC. Default 30.
	TombstoneTTLDays int `yaml:"tombstone_ttl_days"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath is the SQLite database file. Default <home>/hive.db.
	DBPath string `yaml:"db_path"`

	// BindAddr is the durable-stream server listen address.
	BindAddr string `yaml:"bind_addr"`

	LogLevel string `yaml:"log_level"`

	// WalThresholdMB is the WAL bloat warning threshold. Default 100.
	WalThresholdMB int `yaml:"wal_threshold_mb"`

	Embedder EmbedderConfig  `yaml:"embedder"`
	Sessions SessionsConfig  `yaml:"sessions"`
	Sync     SyncConfig      `yaml:"sync"`
	OTel     hiveotel.Config `yaml:"otel"`
}

// DefaultHomeDir resolves the Hive data directory, honoring HIVE_HOME.
func DefaultHomeDir() string {
	if v := strings.TrimSpace(os.Getenv("HIVE_HOME")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hive")
}

// Load reads <home>/config.yaml, applying defaults for missing fields and
// environment overrides last. A missing config file is not an error.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := defaults(homeDir)

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	fillZeroes(cfg, homeDir)
	return cfg, nil
}

func defaults(homeDir string) *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		HomeDir:        homeDir,
		DBPath:         filepath.Join(homeDir, "hive.db"),
		BindAddr:       "127.0.0.1:4444",
		LogLevel:       "info",
		WalThresholdMB: 100,
		Embedder: EmbedderConfig{
			Host:           "http://localhost:11434",
			Model:          "mxbai-embed-large",
			Dimension:      1024,
			TimeoutSeconds: 30,
		},
		Sessions: SessionsConfig{
			WatchDirs: []string{
				filepath.Join(home, ".claude", "projects"),
				filepath.Join(home, ".codex", "sessions"),
				filepath.Join(home, ".gemini", "tmp"),
			},
			Suffix:      ".jsonl",
			DebounceMs:  500,
			Concurrency: 5,
		},
		Sync: SyncConfig{
			FlushDebounceMs:  5000,
			TombstoneTTLDays: 30,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HIVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("HIVE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("HIVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HIVE_EMBEDDER_HOST"); v != "" {
		cfg.Embedder.Host = v
	}
	if v := os.Getenv("HIVE_EMBEDDER_MODEL"); v != "" {
		cfg.Embedder.Model = v
	}
	if v := os.Getenv("HIVE_EMBEDDER_DIM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedder.Dimension = n
		}
	}
}

// fillZeroes restores defaults for fields a partial config file zeroed out.
func fillZeroes(cfg *Config, homeDir string) {
	def := defaults(homeDir)
	if cfg.HomeDir == "" {
		cfg.HomeDir = homeDir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = def.DBPath
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.WalThresholdMB <= 0 {
		cfg.WalThresholdMB = def.WalThresholdMB
	}
	if cfg.Embedder.Host == "" {
		cfg.Embedder.Host = def.Embedder.Host
	}
	if cfg.Embedder.Model == "" {
		cfg.Embedder.Model = def.Embedder.Model
	}
	if cfg.Embedder.Dimension <= 0 {
		cfg.Embedder.Dimension = def.Embedder.Dimension
	}
	if cfg.Embedder.TimeoutSeconds <= 0 {
		cfg.Embedder.TimeoutSeconds = def.Embedder.TimeoutSeconds
	}
	if len(cfg.Sessions.WatchDirs) == 0 {
		cfg.Sessions.WatchDirs = def.Sessions.WatchDirs
	}
	if cfg.Sessions.Suffix == "" {
		cfg.Sessions.Suffix = def.Sessions.Suffix
	}
	if cfg.Sessions.DebounceMs <= 0 {
		cfg.Sessions.DebounceMs = def.Sessions.DebounceMs
	}
	if cfg.Sessions.Concurrency <= 0 {
		cfg.Sessions.Concurrency = def.Sessions.Concurrency
	}
	if cfg.Sync.FlushDebounceMs <= 0 {
		cfg.Sync.FlushDebounceMs = def.Sync.FlushDebounceMs
	}
	if cfg.Sync.TombstoneTTLDays <= 0 {
		cfg.Sync.TombstoneTTLDays = def.Sync.TombstoneTTLDays
	}
}

// EmbedTimeout returns the configured embedding timeout as a duration.
func (c *Config) EmbedTimeout() time.Duration {
	return time.Duration(c.Embedder.TimeoutSeconds) * time.Second
}

// FlushDebounce returns the flush debounce as a duration.
func (c *Config) FlushDebounce() time.Duration {
	return time.Duration(c.Sync.FlushDebounceMs) * time.Millisecond
}

// SessionDebounce returns the watcher debounce as a duration.
func (c *Config) SessionDebounce() time.Duration {
	return time.Duration(c.Sessions.DebounceMs) * time.Millisecond
}
