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
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "inmemory", c.Backend)
	assert.Equal(t, uint16(3030), c.Port)
	assert.Equal(t, time.Second, c.PollInterval)
	assert.Equal(t, time.Minute, c.CacheExpiry)
	assert.Equal(t, 10000, c.CacheMaxSize)
	assert.Equal(t, 3, c.AppendRetryAttempts)
	assert.Equal(t, "async", c.ScavengeMode)
	assert.Equal(t, time.Duration(-1), c.GapReloadDelay)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("store.backend", "sqlite")
	t.Setenv("store.dsn", "file:test.db")
	t.Setenv("webserver.port", "8080")
	t.Setenv("notifier.poll_interval", "250ms")
	t.Setenv("scavenge.mode", "sync")
	t.Setenv("store.gap_reload_delay", "0s")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", c.Backend)
	assert.Equal(t, "file:test.db", c.DSN)
	assert.Equal(t, uint16(8080), c.Port)
	assert.Equal(t, 250*time.Millisecond, c.PollInterval)
	assert.Equal(t, "sync", c.ScavengeMode)
	assert.Zero(t, c.GapReloadDelay)
}

func TestInvalid(t *testing.T) {
	t.Setenv("store.backend", "cassandra")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("store.backend", "inmemory")
	t.Setenv("webserver.port", "99999")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("webserver.port", "80")
	t.Setenv("metadata_cache.expiry", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("store.dir=/var/lib/streams\n"), 0o600))
	t.Setenv("store.dir", "")
	os.Unsetenv("store.dir")
	LoadEnv(filepath.Join(t.TempDir(), "missing.env"), file)
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/streams", c.Dir)
}
