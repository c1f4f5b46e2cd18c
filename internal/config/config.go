// Package config provides the configuration of the archive migration tool.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration of a migration run.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// StorePath is the table store database file
	StorePath string `json:"store_path" yaml:"store_path"`

	// Archive configuration
	Archive ArchiveConfig `json:"archive" yaml:"archive"`

	// Jobs configuration
	Jobs JobsConfig `json:"jobs" yaml:"jobs"`

	// Staging configuration
	Staging StagingConfig `json:"staging" yaml:"staging"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`

	// MetricsFile, when set, receives the run metrics in the Prometheus text format
	MetricsFile string `json:"metrics_file" yaml:"metrics_file"`
}

// ArchiveConfig holds the migration settings.
type ArchiveConfig struct {
	// Path is the archive root in the table store
	Path string `json:"path" yaml:"path"`

	// ShardCount is the tablet count used for default pivots
	ShardCount int `json:"shard_count" yaml:"shard_count"`

	// Force removes temp tables left by a failed attempt before rebuilding
	Force bool `json:"force" yaml:"force"`

	// Verify checks rebuilt tables against their jobs before swapping
	Verify bool `json:"verify" yaml:"verify"`
}

// JobsConfig holds map job settings.
type JobsConfig struct {
	// Workers is the number of parallel mappers
	Workers int `json:"workers" yaml:"workers"`

	// BatchSize is the number of rows per mapped batch
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// StagingConfig holds the object storage for job chunks.
type StagingConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Prefix is prepended to every object key
	Prefix string `json:"prefix" yaml:"prefix"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Format is one of console, json, logfmt
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/oparchive",
		Archive: ArchiveConfig{
			Path:       "//sys/operations_archive",
			ShardCount: 100,
			Verify:     true,
		},
		Jobs: JobsConfig{
			Workers:   4,
			BatchSize: 1000,
		},
		Staging: StagingConfig{
			Type: "local",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/oparchive"
	}
	if c.StorePath == "" {
		c.StorePath = filepath.Join(c.DataDir, "store.db")
	}
	if c.Staging.Path == "" {
		c.Staging.Path = filepath.Join(c.DataDir, "staging")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if !strings.HasPrefix(c.Archive.Path, "//") {
		return fmt.Errorf("archive.path must be an absolute //path, got %q", c.Archive.Path)
	}

	if c.Archive.ShardCount < 1 {
		return fmt.Errorf("archive.shard_count must be positive, got %d", c.Archive.ShardCount)
	}

	if c.Jobs.Workers < 1 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}

	if c.Jobs.BatchSize < 1 {
		return fmt.Errorf("jobs.batch_size must be positive, got %d", c.Jobs.BatchSize)
	}

	if c.Staging.Type != "local" && c.Staging.Type != "s3" {
		return fmt.Errorf("invalid staging type: %s (must be local or s3)", c.Staging.Type)
	}

	if c.Staging.Type == "s3" && c.Staging.S3.Bucket == "" {
		return fmt.Errorf("staging.s3.bucket is required when staging type is s3")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	switch c.Log.Format {
	case "console", "json", "logfmt":
	default:
		return fmt.Errorf("invalid log format: %s (must be console, json, or logfmt)", c.Log.Format)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

func envBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the OPARCHIVE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("OPARCHIVE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OPARCHIVE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("OPARCHIVE_METRICS_FILE"); v != "" {
		cfg.MetricsFile = v
	}

	// Archive configuration
	if v := os.Getenv("OPARCHIVE_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("OPARCHIVE_SHARD_COUNT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Archive.ShardCount)
	}
	if v := os.Getenv("OPARCHIVE_FORCE"); v != "" {
		cfg.Archive.Force = envBool(v)
	}
	if v := os.Getenv("OPARCHIVE_VERIFY"); v != "" {
		cfg.Archive.Verify = envBool(v)
	}

	// Jobs configuration
	if v := os.Getenv("OPARCHIVE_JOB_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Jobs.Workers)
	}
	if v := os.Getenv("OPARCHIVE_JOB_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Jobs.BatchSize)
	}

	// Staging configuration
	if v := os.Getenv("OPARCHIVE_STAGING_TYPE"); v != "" {
		cfg.Staging.Type = v
	}
	if v := os.Getenv("OPARCHIVE_STAGING_PATH"); v != "" {
		cfg.Staging.Path = v
	}
	if v := os.Getenv("OPARCHIVE_S3_BUCKET"); v != "" {
		cfg.Staging.S3.Bucket = v
	}
	if v := os.Getenv("OPARCHIVE_S3_REGION"); v != "" {
		cfg.Staging.S3.Region = v
	}
	if v := os.Getenv("OPARCHIVE_S3_ENDPOINT"); v != "" {
		cfg.Staging.S3.Endpoint = v
	}
	if v := os.Getenv("OPARCHIVE_S3_PREFIX"); v != "" {
		cfg.Staging.S3.Prefix = v
	}

	// Log configuration
	if v := os.Getenv("OPARCHIVE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("OPARCHIVE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.StorePath),
	}
	if c.Staging.Type == "local" {
		dirs = append(dirs, c.Staging.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
