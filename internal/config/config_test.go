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

	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.DeathThreshold())
	assert.Equal(t, 30*time.Minute, cfg.DefaultLeaseDuration)
	assert.Equal(t, 3, cfg.MaxRetriesDefault)
	assert.Equal(t, 5*time.Minute, cfg.RetryBackoffBase)
	assert.Equal(t, time.Hour, cfg.RetryBackoffCap)
	assert.Equal(t, 0.2, cfg.RetryBackoffJitter)
	assert.Equal(t, time.Minute, cfg.RecoveryInterval)
	assert.Equal(t, 3, cfg.WorkerMaxConcurrent)
	assert.Equal(t, time.Second, cfg.DispatchIdleMin)
	assert.Equal(t, 5*time.Second, cfg.DispatchIdleMax)
	assert.Equal(t, 1<<20, cfg.PayloadMaxBytes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.OTelEnabled)
	assert.False(t, cfg.OTelStdout)
	assert.Empty(t, cfg.OTelEndpoint)
}

func TestOTelKeys(t *testing.T) {
	t.Setenv("CONVEYOR_OTEL_ENABLED", "true")
	t.Setenv("CONVEYOR_OTEL_STDOUT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.OTelEnabled)
	assert.True(t, cfg.OTelStdout)

	// The conventional collector variable fills in a missing endpoint.
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "collector:4317", cfg.OTelEndpoint)

	t.Setenv("CONVEYOR_OTEL_ENDPOINT", "other:4317")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "other:4317", cfg.OTelEndpoint)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_url: postgres://localhost/conveyor
heartbeat_interval_seconds: 10
worker_max_concurrent: 8
retry_backoff_base_seconds: 1
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/conveyor", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.DeathThreshold())
	assert.Equal(t, 8, cfg.WorkerMaxConcurrent)
	assert.Equal(t, time.Second, cfg.BackoffPolicy().Base)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_max_concurrent: 8\n"), 0o644))
	t.Setenv("CONVEYOR_WORKER_MAX_CONCURRENT", "2")
	t.Setenv("CONVEYOR_DATABASE_URL", "postgres://db/conveyor")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerMaxConcurrent)
	assert.Equal(t, "postgres://db/conveyor", cfg.DatabaseURL)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"jitter out of range", map[string]string{"CONVEYOR_RETRY_BACKOFF_JITTER_FRACTION": "1.5"}},
		{"multiplier too small", map[string]string{"CONVEYOR_HEARTBEAT_DEATH_MULTIPLIER": "1"}},
		{"idle window inverted", map[string]string{
			"CONVEYOR_DISPATCH_IDLE_SLEEP_MS_MIN": "5000",
			"CONVEYOR_DISPATCH_IDLE_SLEEP_MS_MAX": "1000",
		}},
		{"zero payload bound", map[string]string{"CONVEYOR_PAYLOAD_MAX_BYTES": "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
