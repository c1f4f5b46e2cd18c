package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "//sys/operations_archive", cfg.Archive.Path)
	assert.Equal(t, 100, cfg.Archive.ShardCount)
	assert.True(t, cfg.Archive.Verify)
	assert.Equal(t, filepath.Join(cfg.DataDir, "store.db"), cfg.StorePath)
	assert.Equal(t, filepath.Join(cfg.DataDir, "staging"), cfg.Staging.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative archive path", func(c *Config) { c.Archive.Path = "sys/archive" }},
		{"zero shards", func(c *Config) { c.Archive.ShardCount = 0 }},
		{"zero workers", func(c *Config) { c.Jobs.Workers = 0 }},
		{"zero batch", func(c *Config) { c.Jobs.BatchSize = 0 }},
		{"bad staging", func(c *Config) { c.Staging.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Staging.Type = "s3" }},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oparchive.yaml")
	data := `
data_dir: /tmp/oparchive
archive:
  path: //sys/test_archive
  shard_count: 8
  verify: false
staging:
  type: s3
  s3:
    bucket: chunks
    region: us-east-1
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/oparchive", cfg.DataDir)
	assert.Equal(t, "//sys/test_archive", cfg.Archive.Path)
	assert.Equal(t, 8, cfg.Archive.ShardCount)
	assert.False(t, cfg.Archive.Verify)
	assert.Equal(t, "chunks", cfg.Staging.S3.Bucket)
	assert.Equal(t, "json", cfg.Log.Format)
	// untouched fields keep their defaults
	assert.Equal(t, 4, cfg.Jobs.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromFile_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oparchive.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"archive":{"force":true},"jobs":{"workers":2}}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Archive.Force)
	assert.Equal(t, 2, cfg.Jobs.Workers)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "oparchive.toml")
	require.NoError(t, os.WriteFile(path, []byte(`x = 1`), 0644))
	_, err = LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OPARCHIVE_ARCHIVE_PATH", "//tmp/archive")
	t.Setenv("OPARCHIVE_SHARD_COUNT", "12")
	t.Setenv("OPARCHIVE_FORCE", "true")
	t.Setenv("OPARCHIVE_VERIFY", "false")
	t.Setenv("OPARCHIVE_JOB_WORKERS", "3")
	t.Setenv("OPARCHIVE_S3_PREFIX", "staging/")
	t.Setenv("OPARCHIVE_LOG_FORMAT", "logfmt")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, "//tmp/archive", cfg.Archive.Path)
	assert.Equal(t, 12, cfg.Archive.ShardCount)
	assert.True(t, cfg.Archive.Force)
	assert.False(t, cfg.Archive.Verify)
	assert.Equal(t, 3, cfg.Jobs.Workers)
	assert.Equal(t, "staging/", cfg.Staging.S3.Prefix)
	assert.Equal(t, "logfmt", cfg.Log.Format)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.Staging.Path)
}
