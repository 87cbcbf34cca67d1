package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/epicflow/pkg/engine"
)

func TestLoadSettingsDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	s, err := LoadSettings(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, ".epicflow/epicflow.db", s.DB)
	assert.Equal(t, "local-user", s.Actor)
	assert.Equal(t, engine.DefaultSchedulerConfig().IdleTimeout, s.IdleTimeout)
	assert.Equal(t, 3, s.GateRetries)
	assert.Equal(t, "info", s.Log.Level)
	assert.Equal(t, "none", s.Tracing.Exporter)

	sched := s.SchedulerConfig()
	assert.Equal(t, s.ReapInterval, sched.ReapInterval)
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epicflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /var/lib/epicflow.db
plan: [plans/]
idle_timeout: 30m
log:
  level: debug
  format: json
`), 0o644))
	t.Setenv("EPICFLOW_ACTOR", "ci-bot")
	t.Setenv("EPICFLOW_LOG_LEVEL", "warn")

	s, err := LoadSettings(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/epicflow.db", s.DB)
	assert.Equal(t, []string{"plans/"}, s.Plan)
	assert.Equal(t, 30*time.Minute, s.IdleTimeout)
	assert.Equal(t, "ci-bot", s.Actor)
	assert.Equal(t, "warn", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)

	tc := s.TelemetryConfig("1.0.0")
	assert.Equal(t, "warn", tc.Logging.Level)
	assert.Equal(t, "stderr", tc.Logging.Output)
	assert.False(t, tc.Tracing.Enabled)
	require.NoError(t, tc.Validate())
}

func TestLoadSettingsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epicflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gate_retries: 0\n"), 0o644))

	_, err := LoadSettings(NewViper(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestLoadSettingsMissingExplicitFile(t *testing.T) {
	_, err := LoadSettings(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
