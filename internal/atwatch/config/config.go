// Package config loads the atwatch configuration: defaults, then an optional
// YAML file (validated against an embedded JSON Schema), then environment
// variable overrides, in that order of precedence.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ymonai/atwatch/common/environment"
)

//go:embed schema.json
var schemaJSON string

// Defaults.
const (
	DefaultDataDir       = "./data/at_tracker"
	DefaultDatabasePath  = "./atwatch.db"
	DefaultRetentionDays = 3
	DefaultCacheSize     = 5
	DefaultTrackingCount = 10
	DefaultSweepHour     = 4
	DefaultSweepMinute   = 0
)

// Config is the full atwatch configuration.
type Config struct {
	// DataDir is the root of the file-backed record store.
	DataDir string `yaml:"data_dir"`

	// DatabasePath is the SQLite file holding platform bookkeeping.
	DatabasePath string `yaml:"database_path"`

	// RetentionDays is the record retention horizon in days.
	RetentionDays int `yaml:"retention_days"`

	// CacheSize is the per-room rolling-cache capacity.
	CacheSize int `yaml:"cache_size"`

	// TrackingCount is the post-mention message budget per session.
	TrackingCount int `yaml:"tracking_count"`

	// EnableMediaCache toggles downloading of message media.
	EnableMediaCache bool `yaml:"enable_media_cache"`

	// SweepHour and SweepMinute schedule the daily retention sweep.
	SweepHour   int `yaml:"sweep_hour"`
	SweepMinute int `yaml:"sweep_minute"`

	Log    Log    `yaml:"log"`
	Matrix Matrix `yaml:"matrix"`
}

// Log holds logging configuration.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Matrix holds the homeserver connection settings.
type Matrix struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`

	// Rooms is an optional allowlist of rooms to watch. Empty means every
	// joined room.
	Rooms []string `yaml:"rooms"`

	// Admins lists the user IDs allowed to run destructive commands. Empty
	// means any room member.
	Admins []string `yaml:"admins"`
}

// Retention returns the retention horizon as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Default returns a Config populated with built-in defaults.
func Default() Config {
	return Config{
		DataDir:          DefaultDataDir,
		DatabasePath:     DefaultDatabasePath,
		RetentionDays:    DefaultRetentionDays,
		CacheSize:        DefaultCacheSize,
		TrackingCount:    DefaultTrackingCount,
		EnableMediaCache: true,
		SweepHour:        DefaultSweepHour,
		SweepMinute:      DefaultSweepMinute,
		Log:              Log{Level: "info", Format: "text"},
	}
}

// Load builds the effective configuration. path names a YAML file; when empty
// or missing, defaults plus environment overrides are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// A config file is optional; env vars can carry everything.
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := validateSchema(data); err != nil {
				return Config{}, fmt.Errorf("config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the effective configuration for values the schema cannot
// see (env overrides bypass it) and for required connection settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", c.RetentionDays)
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cache_size must be at least 1, got %d", c.CacheSize)
	}
	if c.TrackingCount < 1 {
		return fmt.Errorf("tracking_count must be at least 1, got %d", c.TrackingCount)
	}
	if c.SweepHour < 0 || c.SweepHour > 23 {
		return fmt.Errorf("sweep_hour must be 0-23, got %d", c.SweepHour)
	}
	if c.SweepMinute < 0 || c.SweepMinute > 59 {
		return fmt.Errorf("sweep_minute must be 0-59, got %d", c.SweepMinute)
	}
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required (or set MATRIX_HOMESERVER)")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required (or set MATRIX_USER_ID)")
	}
	if c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.access_token is required (or set MATRIX_ACCESS_TOKEN)")
	}
	return nil
}

// validateSchema checks the raw YAML document against the embedded JSON
// Schema. The document is round-tripped through encoding/json first so the
// validator sees canonical JSON types.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	sch, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overrides file values with environment variables.
func applyEnv(cfg *Config) {
	cfg.DataDir = environment.StringOr("ATWATCH_DATA_DIR", cfg.DataDir)
	cfg.DatabasePath = environment.StringOr("DATABASE_PATH", cfg.DatabasePath)
	cfg.RetentionDays = environment.IntOr("ATWATCH_RETENTION_DAYS", cfg.RetentionDays)
	cfg.CacheSize = environment.IntOr("ATWATCH_CACHE_SIZE", cfg.CacheSize)
	cfg.TrackingCount = environment.IntOr("ATWATCH_TRACKING_COUNT", cfg.TrackingCount)
	cfg.EnableMediaCache = environment.BoolOr("ATWATCH_ENABLE_MEDIA_CACHE", cfg.EnableMediaCache)
	cfg.SweepHour = environment.IntOr("ATWATCH_SWEEP_HOUR", cfg.SweepHour)
	cfg.SweepMinute = environment.IntOr("ATWATCH_SWEEP_MINUTE", cfg.SweepMinute)
	cfg.Log.Level = environment.StringOr("ATWATCH_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = environment.StringOr("ATWATCH_LOG_FORMAT", cfg.Log.Format)
	cfg.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", cfg.Matrix.UserID)
	cfg.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", cfg.Matrix.AccessToken)
	cfg.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", cfg.Matrix.Rooms)
	cfg.Matrix.Admins = environment.StringSliceOr("MATRIX_ADMINS", cfg.Matrix.Admins)
}
