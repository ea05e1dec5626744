// Package config loads fieldsync configuration from config.yaml under
// the fieldsync home directory, with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openrounds/fieldsync/internal/otel"
)

// RemoteConfig holds the connection settings for the authoritative sync
// service.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the request timeout as a duration.
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// SyncConfig holds the engine's scheduling and retry settings.
type SyncConfig struct {
	// Cron is a 5-field cron expression for periodic cycles.
	Cron string `yaml:"cron"`
	// Concurrency bounds how many entities sync at once.
	Concurrency int `yaml:"concurrency"`
	BatchSize   int `yaml:"batch_size"`
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffMinSeconds is the first retry delay; each attempt doubles
	// it up to BackoffMaxSeconds.
	BackoffMinSeconds int `yaml:"backoff_min_seconds"`
	BackoffMaxSeconds int `yaml:"backoff_max_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	LogLevel  string `yaml:"log_level"`

	Remote RemoteConfig `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	OTel   otel.Config  `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// QueuePath returns the path to the operation queue database within the
// given home directory.
func QueuePath(homeDir string) string {
	return filepath.Join(homeDir, "queue.db")
}

// Fingerprint returns a stable hash of the reload-sensitive settings,
// so the watcher can skip no-op rewrites.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|remote=%s|cron=%s|conc=%d|batch=%d|attempts=%d|back=%d-%d",
		c.BindAddr, c.LogLevel, c.Remote.BaseURL, c.Sync.Cron,
		c.Sync.Concurrency, c.Sync.BatchSize, c.Sync.MaxAttempts,
		c.Sync.BackoffMinSeconds, c.Sync.BackoffMaxSeconds)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			Cron:              "*/5 * * * *",
			Concurrency:       4,
			BatchSize:         100,
			MaxAttempts:       5,
			BackoffMinSeconds: 1,
			BackoffMaxSeconds: 60,
		},
	}
}

// HomeDir returns the fieldsync home directory, honoring the
// FIELDSYNC_HOME override.
func HomeDir() string {
	if override := os.Getenv("FIELDSYNC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fieldsync")
}

// Load reads config.yaml from the home directory, applies environment
// overrides and normalizes the result. A missing file yields defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fieldsync home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Remote.TimeoutSeconds <= 0 {
		cfg.Remote.TimeoutSeconds = 30
	}
	if cfg.Sync.Cron == "" {
		cfg.Sync.Cron = "*/5 * * * *"
	}
	if cfg.Sync.Concurrency <= 0 {
		cfg.Sync.Concurrency = 4
	}
	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 100
	}
	if cfg.Sync.MaxAttempts <= 0 {
		cfg.Sync.MaxAttempts = 5
	}
	if cfg.Sync.BackoffMinSeconds <= 0 {
		cfg.Sync.BackoffMinSeconds = 1
	}
	if cfg.Sync.BackoffMaxSeconds <= 0 {
		cfg.Sync.BackoffMaxSeconds = 60
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FIELDSYNC_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FIELDSYNC_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("FIELDSYNC_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FIELDSYNC_REMOTE_URL"); raw != "" {
		cfg.Remote.BaseURL = raw
	}
	if raw := os.Getenv("FIELDSYNC_REMOTE_TOKEN"); raw != "" {
		cfg.Remote.Token = raw
	}
	if raw := os.Getenv("FIELDSYNC_SYNC_CRON"); raw != "" {
		cfg.Sync.Cron = raw
	}
	if raw := os.Getenv("FIELDSYNC_SYNC_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.Concurrency = v
		}
	}
	if raw := os.Getenv("FIELDSYNC_SYNC_BATCH_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.BatchSize = v
		}
	}
	if raw := os.Getenv("FIELDSYNC_SYNC_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Sync.MaxAttempts = v
		}
	}
}
