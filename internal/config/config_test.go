package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "runbox.yaml", `
data_dir: /tmp/runbox-test
sandbox:
  backend: docker
  ttl_seconds: 60
  docker:
    pids_limit: 32
execution:
  max_concurrent: 2
  max_timeout_seconds: 60
  install_failure_policy: abort
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "docker", cfg.Sandbox.Backend)
	assert.Equal(t, time.Minute, cfg.Sandbox.TTL())
	assert.Equal(t, int64(32), cfg.Sandbox.Docker.PIDsLimit)
	assert.Equal(t, 2, cfg.Execution.Concurrency())
	assert.False(t, cfg.Execution.ContinueAfterInstallFailure())
	assert.Equal(t, "/tmp/runbox-test/runbox.db", cfg.DatabasePath())
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "runbox.toml", `
data_dir = "/tmp/runbox-toml"

[execution]
queue_capacity = 8
history_capacity = 10

[security.rate_limit]
driver = "local"
requests_per_minute = 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Execution.Queue())
	assert.Equal(t, 10, cfg.Execution.HistorySize())
	assert.Equal(t, "local", cfg.Security.RateLimit.Driver)
	assert.Equal(t, 30, cfg.Security.RateLimit.RequestsPerMinute)
}

func TestLoad_JSONWithComments(t *testing.T) {
	path := writeConfig(t, "runbox.json", `{
  // comments are allowed
  "data_dir": "/tmp/runbox-json",
  "server": {"listen_addr": ":9090",},
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr())
}

func TestDefault_AppliesDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, 15*time.Minute, cfg.Sandbox.TTL())
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Grace())
	assert.Equal(t, 1<<20, cfg.Sandbox.OutputCap())
	assert.Equal(t, 4, cfg.Execution.Concurrency())
	assert.Equal(t, 64, cfg.Execution.Queue())
	assert.True(t, cfg.Execution.ContinueAfterInstallFailure())
	assert.Equal(t, "sqlite", cfg.StorageDriverName())
	assert.Equal(t, []string{"github.com", "gitlab.com", "bitbucket.org"}, cfg.Security.CloneHosts())
	assert.Equal(t, "* * * * *", cfg.Scheduler.Sweep())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RUNBOX_SANDBOX_BACKEND", "docker")
	t.Setenv("RUNBOX_MAX_CONCURRENT", "9")
	t.Setenv("RUNBOX_DB_DSN", "postgres://runbox@localhost/runbox")

	path := writeConfig(t, "runbox.yaml", "data_dir: /tmp/runbox-env\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "docker", cfg.Sandbox.Backend)
	assert.Equal(t, 9, cfg.Execution.Concurrency())
	assert.Equal(t, "postgres", cfg.StorageDriverName())
	assert.Equal(t, "postgres://runbox@localhost/runbox", cfg.Storage.Postgres.DSN)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "sandbox:\n  backend: firecracker\n"},
		{"unknown install policy", "execution:\n  install_failure_policy: maybe\n"},
		{"fraction out of range", "execution:\n  clone_budget_fraction: 1.5\n"},
		{"redis without addr", "security:\n  rate_limit:\n    driver: redis\n    requests_per_minute: 10\n"},
		{"postgres without dsn", "storage:\n  driver: postgres\n"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n"},
		{"timeout beyond sandbox lifetime", "execution:\n  max_timeout_seconds: 1200\nsandbox:\n  ttl_seconds: 600\n  grace_seconds: 30\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "runbox.yaml", tt.body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, cfg)
}
