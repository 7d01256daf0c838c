package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 3, cfg.Pipeline.MaxPhaseRetries)
	assert.Equal(t, 1*time.Second, cfg.Pipeline.RetryBackoffBase)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.ImageRetryBackoffBase)
}

func TestInitializeMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
http:
  port: "9999"
queue:
  worker_count: 2
pipeline:
  max_phase_retries: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.HTTP.Port)
	assert.Equal(t, 2, cfg.Queue.WorkerCount)
	assert.Equal(t, 5, cfg.Pipeline.MaxPhaseRetries)
	// Untouched defaults survive the merge.
	assert.Equal(t, 8, cfg.Queue.MaxConcurrentSessions)
}

func TestInitializeRejectsInvalidCacheBackend(t *testing.T) {
	dir := t.TempDir()
	content := `
cache:
  backend: memcached
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))

	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.backend")
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SF_TEST_ADDR", "redis:6379")

	out := ExpandEnv([]byte("redis_addr: {{.SF_TEST_ADDR}}"))
	assert.Equal(t, "redis_addr: redis:6379", string(out))
}

func TestExpandEnvMissingVariable(t *testing.T) {
	out := ExpandEnv([]byte("value: {{.SF_DOES_NOT_EXIST_42}}"))
	assert.Equal(t, "value: ", string(out))
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	in := []byte(`pattern: "^secret.*$"`)
	assert.Equal(t, in, ExpandEnv(in))
}

func TestValidateQueueBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.WorkerCount = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Queue.MaxConcurrentSessions = -1
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = ""
	require.Error(t, cfg.Validate())
}
