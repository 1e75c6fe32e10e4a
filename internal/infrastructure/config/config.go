package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Replicant Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Store     StoreConfig     `yaml:"store"`
	Audit     AuditConfig     `yaml:"audit"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServiceConfig contains service identification settings.
type ServiceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains authentication and token settings.
type SecurityConfig struct {
	JWT     JWTConfig     `yaml:"jwt"`
	Session SessionConfig `yaml:"session"`
}

// JWTConfig contains JWT access token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
}

// SessionConfig contains bearer session settings.
type SessionConfig struct {
	TTL           int `yaml:"ttl"`            // minutes
	SweepInterval int `yaml:"sweep_interval"` // minutes between expiry sweeps
}

// StoreConfig contains replicant store settings.
type StoreConfig struct {
	// DefaultHistoryLimit is the page size for history queries when the
	// caller doesn't specify one.
	DefaultHistoryLimit int `yaml:"default_history_limit"`

	// MaxHistoryLimit caps the page size for history queries.
	MaxHistoryLimit int `yaml:"max_history_limit"`

	// MaxValueBytes rejects values larger than this before validation runs.
	// 0 disables the check.
	MaxValueBytes int `yaml:"max_value_bytes"`
}

// AuditConfig contains audit recording settings.
type AuditConfig struct {
	// BufferSize is the async recorder's channel capacity.
	BufferSize int `yaml:"buffer_size"`

	// DropIfFull drops entries instead of blocking when the buffer is full.
	DropIfFull bool `yaml:"drop_if_full"`

	// WriteAhead makes audit writes synchronous: a guarded operation fails
	// if its audit entry cannot be committed. Default is best-effort async
	// recording.
	WriteAhead bool `yaml:"write_ahead"`
}

// RetentionConfig contains housekeeping settings for history and audit rows.
// Housekeeping only deletes rows; it never touches revision numbering.
type RetentionConfig struct {
	// HistoryKeep is the number of history rows retained per replicant.
	// 0 disables history pruning.
	HistoryKeep int `yaml:"history_keep"`

	// AuditMaxAgeDays prunes audit entries older than this many days.
	// 0 disables audit pruning.
	AuditMaxAgeDays int `yaml:"audit_max_age_days"`

	// Interval is how often the housekeeping loop runs (minutes).
	Interval int `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: REPLICANT_SECTION_KEY
// For example: REPLICANT_DATABASE_PATH, REPLICANT_JWT_SECRET
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			ID:   "replicant-001",
			Name: "Replicant Core",
		},
		Database: DatabaseConfig{
			Path:        "./data/replicant.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
			},
			Session: SessionConfig{
				TTL:           1440,
				SweepInterval: 15,
			},
		},
		Store: StoreConfig{
			DefaultHistoryLimit: 50,
			MaxHistoryLimit:     200,
			MaxValueBytes:       256 * 1024,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		Retention: RetentionConfig{
			HistoryKeep:     1000,
			AuditMaxAgeDays: 90,
			Interval:        60,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: REPLICANT_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REPLICANT_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("REPLICANT_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.Service.ID == "" {
		errs = append(errs, "service.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// JWT secret is REQUIRED. An empty or weak secret would allow forged
	// access tokens, and every guarded store operation trusts the principal
	// resolved from one.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set REPLICANT_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Store.DefaultHistoryLimit <= 0 {
		errs = append(errs, "store.default_history_limit must be positive")
	}
	if c.Store.MaxHistoryLimit < c.Store.DefaultHistoryLimit {
		errs = append(errs, "store.max_history_limit must be >= store.default_history_limit")
	}

	if c.Audit.BufferSize <= 0 {
		errs = append(errs, "audit.buffer_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// SessionTTL returns the session lifetime as a Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Security.Session.TTL) * time.Minute
}

// SweepInterval returns the session expiry sweep interval as a Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Security.Session.SweepInterval) * time.Minute
}

// RetentionInterval returns the housekeeping interval as a Duration.
func (c *Config) RetentionInterval() time.Duration {
	return time.Duration(c.Retention.Interval) * time.Minute
}

// AuditMaxAge returns the audit retention age as a Duration.
func (c *Config) AuditMaxAge() time.Duration {
	return time.Duration(c.Retention.AuditMaxAgeDays) * 24 * time.Hour
}
