package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.BatchSize)
	assert.Equal(t, int64(1000), cfg.StreamMaxLen)
	assert.Equal(t, 5*time.Second, cfg.BlockTimeout)
	assert.Equal(t, 300*time.Second, cfg.MaxProcessingTime)
	assert.Equal(t, 600*time.Second, cfg.ClaimMinIdle, "derived from 2x max processing time")
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 4, cfg.AutoSaveWorkers)
	assert.Equal(t, 24*time.Hour, cfg.StatusTTL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	data := `
redis_url: redis://cache:6379
batch_size: 10
max_processing_time: 120s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379", cfg.RedisURL)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 120*time.Second, cfg.MaxProcessingTime)
	assert.Equal(t, 240*time.Second, cfg.ClaimMinIdle)
	// Untouched fields keep their defaults
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch_size: 10\n"), 0644))

	t.Setenv("QUARRY_BATCH_SIZE", "25")
	t.Setenv("QUARRY_BLOCK_MS", "2500")
	t.Setenv("QUARRY_STATUS_TTL", "1h")
	t.Setenv("QUARRY_DB_URL", "/var/lib/quarry/quarry.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.BatchSize, "env wins over file")
	assert.Equal(t, 2500*time.Millisecond, cfg.BlockTimeout, "bare ms count accepted")
	assert.Equal(t, time.Hour, cfg.StatusTTL, "duration string accepted")
	assert.Equal(t, "/var/lib/quarry/quarry.db", cfg.DBURL)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxRetryAttempts = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.AutoSaveWorkers = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/quarry.yaml")
	assert.Error(t, err)
}
