package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bulkfs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Repository.Driver)
	assert.Equal(t, "bulkfs.db", cfg.Repository.Path)
	assert.Equal(t, 20, cfg.Import.BatchSize)
	assert.Equal(t, 4, cfg.Import.Threads)
	assert.Equal(t, 5, cfg.Import.MaxRetries)
	assert.Zero(t, cfg.Import.QueueDepth)
	assert.Zero(t, cfg.Import.FailureThreshold)
	assert.True(t, cfg.Import.SkipHidden)
	assert.Empty(t, cfg.Import.Exclude)
	assert.Equal(t, ",", cfg.Metadata.Separator)
	assert.Empty(t, cfg.Dictionary.Path)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.Interval)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
repository:
  driver: memory
import:
  batch_size: 50
  threads: 2
  exclude:
    - '\.tmp$'
    - '^~'
metadata:
  separator: ";"
telemetry:
  interval: 1m
`)
	t.Setenv("BULKFS_IMPORT_THREADS", "16")
	t.Setenv("BULKFS_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Repository.Driver)
	assert.Equal(t, 50, cfg.Import.BatchSize)
	assert.Equal(t, 16, cfg.Import.Threads, "env beats file")
	assert.Equal(t, []string{`\.tmp$`, `^~`}, cfg.Import.Exclude)
	assert.Equal(t, ";", cfg.Metadata.Separator)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Minute, cfg.Telemetry.Interval)
}

func TestLoad_WorkingDirectoryFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bulkfs.yaml"), []byte("server:\n  addr: 127.0.0.1:9000\n"), 0o644))
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("explicit file missing", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorContains(t, err, "read config")
	})
	t.Run("unknown driver", func(t *testing.T) {
		_, err := Load(writeConfig(t, "repository:\n  driver: postgres\n"))
		assert.ErrorContains(t, err, "config repository")
	})
	t.Run("zero threads", func(t *testing.T) {
		_, err := Load(writeConfig(t, "import:\n  threads: 0\n"))
		assert.ErrorContains(t, err, "config import")
	})
	t.Run("negative retries", func(t *testing.T) {
		t.Setenv("BULKFS_IMPORT_MAX_RETRIES", "-1")
		_, err := Load(writeConfig(t, "log:\n  level: debug\n"))
		assert.ErrorContains(t, err, "config import")
	})
	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "import: [\n"))
		assert.Error(t, err)
	})
}
