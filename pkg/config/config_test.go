package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.fillDerived()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60*time.Second, cfg.Scheduler.HealthcheckInterval)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.KillGrace)
	assert.Equal(t, filepath.Join(cfg.DataDir, "foreman.db"), cfg.Database.DSN)
	assert.Equal(t, filepath.Join(cfg.DataDir, "secret.key"), cfg.SecretKeyFile)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	content := `
data_dir: ` + dir + `
run_dir: ` + filepath.Join(dir, "run") + `
scheduler:
  environment: remote
  max_running: 3
  kill_grace: 2s
pool:
  heartbeat_interval: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("TASK_HEALTHCHECK_INTERVAL", "15")
	t.Setenv("BUNDLE_DIR", "/srv/bundles")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, types.EnvironmentRemote, cfg.Scheduler.Environment)
	assert.Equal(t, 3, cfg.Scheduler.MaxRunning)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.KillGrace)
	assert.Equal(t, 5*time.Second, cfg.Pool.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.HealthcheckInterval)
	assert.Equal(t, "/srv/bundles", cfg.BundleDir)
	assert.Equal(t, filepath.Join(dir, "run"), cfg.RunDir)
	assert.Equal(t, filepath.Join(dir, "foreman.db"), cfg.Database.DSN)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"FOREMAN_DB_DRIVER": "oracle"}},
		{"mysql without dsn", map[string]string{"FOREMAN_DB_DRIVER": "mysql"}},
		{"unknown environment", map[string]string{"FOREMAN_ENVIRONMENT": "cloud"}},
		{"redis without addr", map[string]string{"FOREMAN_POOL_BACKEND": "redis"}},
		{"bad interval", map[string]string{"TASK_HEALTHCHECK_INTERVAL": "soon"}},
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

func TestParseInterval(t *testing.T) {
	d, err := ParseInterval("60")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseInterval("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseInterval("0")
	assert.Error(t, err)
	_, err = ParseInterval("-5s")
	assert.Error(t, err)
}
