package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg := Load()
	require.Equal(t, "postgres", cfg.StoreDriver)
	require.Equal(t, "local", cfg.HandoffBackend)
	require.Equal(t, 10, cfg.DispatchBatch)
	require.Equal(t, []string{"high", "default", "low"}, cfg.PriorityQueues)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("JOB_TIMEOUT", "90s")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("PRIORITY_QUEUES", " high , low ,")
	t.Setenv("DISPATCH_BATCH", "not-a-number")

	cfg := Load()
	require.Equal(t, "sqlite", cfg.StoreDriver)
	require.Equal(t, 90*time.Second, cfg.JobTimeout)
	require.False(t, cfg.RateLimitEnabled)
	require.Equal(t, []string{"high", "low"}, cfg.PriorityQueues)
	require.Equal(t, 10, cfg.DispatchBatch)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INTERNAL_TOKEN=from-file\nHTTP_PORT=9999\n"), 0o600))
	chdir(t, dir)
	t.Setenv("HTTP_PORT", "7000")
	// godotenv sets variables it loads; make sure they do not leak into other tests.
	t.Setenv("INTERNAL_TOKEN", "")
	require.NoError(t, os.Unsetenv("INTERNAL_TOKEN"))

	cfg := Load()
	require.Equal(t, "from-file", cfg.InternalToken)
	require.Equal(t, "7000", cfg.HTTPPort)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	base := Load()

	cases := map[string]func(c *Config){
		"unknown driver":      func(c *Config) { c.StoreDriver = "cassandra" },
		"unknown handoff":     func(c *Config) { c.HandoffBackend = "kafka" },
		"rabbit without url":  func(c *Config) { c.HandoffBackend = "rabbitmq"; c.RabbitURL = "" },
		"redis without addr":  func(c *Config) { c.HandoffBackend = "redis"; c.RedisAddr = "" },
		"batch too large":     func(c *Config) { c.DispatchBatch = 11 },
		"batch zero":          func(c *Config) { c.DispatchBatch = 0 },
		"s3 without bucket":   func(c *Config) { c.ImageArchive = "s3" },
		"no local workers":    func(c *Config) { c.LocalWorkers = 0 },
		"unknown archive":     func(c *Config) { c.ImageArchive = "ftp" },
		"non-positive budget": func(c *Config) { c.JobTimeout = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
