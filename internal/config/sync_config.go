package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xelth-com/healthsync/internal/models"
)

// SyncConfig holds synchronization configuration
type SyncConfig struct {
	// ============ BATCHING ============
	BatchSize   int `yaml:"batch_size"`
	MaxAttempts int `yaml:"max_attempts"`

	// ============ RETRY ============
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ============ SCHEDULING ============
	AutoSyncEnabled     bool          `yaml:"auto_sync_enabled"`
	AutoSyncInterval    time.Duration `yaml:"auto_sync_interval"`
	SyncOnStartup       bool          `yaml:"sync_on_startup"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// ============ ANALYSIS ============
	Poll PollConfig `yaml:"poll"`

	// ============ ENTITIES ============
	EntityTypes []EntityTypeConfig `yaml:"entity_types"`
}

// PollConfig tunes the analysis poll loop
type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// EntityTypeConfig declares a syncable collection.
// AppendOnly collections resolve conflicts by union instead of overwrite.
type EntityTypeConfig struct {
	Name       string `yaml:"name"`
	AppendOnly bool   `yaml:"append_only"`
}

// LoadSyncConfig loads sync configuration from SYNC_CONFIG_PATH (YAML or JSON)
// or falls back to environment defaults
func LoadSyncConfig() *SyncConfig {
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		cfg, err := LoadSyncConfigFile(configPath)
		if err == nil {
			return cfg
		}
		slog.Warn("sync config file unusable, using defaults", "path", configPath, "error", err)
	}

	return DefaultSyncConfig()
}

// LoadSyncConfigFile reads a sync config file; missing fields keep their defaults
func LoadSyncConfigFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultSyncConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultSyncConfig returns default sync configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		BatchSize:   getIntEnv("SYNC_BATCH_SIZE", 50),
		MaxAttempts: getIntEnv("SYNC_MAX_ATTEMPTS", 5),

		RetryBaseDelay: getDurationEnv("SYNC_RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:  getDurationEnv("SYNC_RETRY_MAX_DELAY", 5*time.Minute),
		RequestTimeout: getDurationEnv("SYNC_REQUEST_TIMEOUT", 30*time.Second),

		AutoSyncEnabled:     getBoolEnv("SYNC_AUTO_ENABLED", true),
		AutoSyncInterval:    getDurationEnv("SYNC_AUTO_INTERVAL", 5*time.Minute),
		SyncOnStartup:       getBoolEnv("SYNC_ON_STARTUP", true),
		HealthCheckInterval: getDurationEnv("SYNC_HEALTH_INTERVAL", 30*time.Second),

		Poll: PollConfig{
			Interval:    getDurationEnv("ANALYSIS_POLL_INTERVAL", 10*time.Second),
			MaxAttempts: getIntEnv("ANALYSIS_POLL_MAX_ATTEMPTS", 30),
		},

		EntityTypes: defaultEntityTypes(),
	}
}

func defaultEntityTypes() []EntityTypeConfig {
	specs := models.DefaultEntityTypes()
	out := make([]EntityTypeConfig, len(specs))
	for i, spec := range specs {
		out[i] = EntityTypeConfig{Name: spec.Name, AppendOnly: spec.AppendOnly}
	}
	return out
}

// Validate rejects settings the engine cannot run with
func (c *SyncConfig) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	case c.RetryMaxDelay < c.RetryBaseDelay:
		return fmt.Errorf("retry_max_delay %s is below retry_base_delay %s", c.RetryMaxDelay, c.RetryBaseDelay)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	case c.AutoSyncEnabled && c.AutoSyncInterval <= 0:
		return fmt.Errorf("auto_sync_interval must be positive when auto sync is enabled")
	case c.Poll.MaxAttempts < 1:
		return fmt.Errorf("poll.max_attempts must be positive, got %d", c.Poll.MaxAttempts)
	case len(c.EntityTypes) == 0:
		return fmt.Errorf("at least one entity type is required")
	}

	seen := make(map[string]bool, len(c.EntityTypes))
	for _, et := range c.EntityTypes {
		if et.Name == "" {
			return fmt.Errorf("entity type with empty name")
		}
		if seen[et.Name] {
			return fmt.Errorf("duplicate entity type %q", et.Name)
		}
		seen[et.Name] = true
	}
	return nil
}
