package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PRESENCE_SWEEP_INTERVAL", "90")
	t.Setenv("QUEUE_AUTO_ADVANCE", "false")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Presence.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Presence.InactivityThreshold)
	assert.False(t, cfg.Queue.AutoAdvance)
	assert.True(t, cfg.Queue.ActivateFirst)
	assert.Equal(t, 10, cfg.Queue.BreakBetweenPolls)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSAllowedOrigins)
}

func TestLoad_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  port: "9090"
presence:
  inactivity_threshold: 2m
polls:
  max_options: 6
queue:
  break_between_polls: 3
`), 0o600))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("JWT_SECRET", "from-env")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Presence.InactivityThreshold)
	assert.Equal(t, 6, cfg.Polls.MaxOptions)
	assert.Equal(t, 3, cfg.Queue.BreakBetweenPolls)
	// untouched keys keep env and default values
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, 60, cfg.Queue.PollDuration)
	assert.Equal(t, 5*time.Minute, cfg.Presence.SweepInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	t.Parallel()
	c := config.DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "classroom", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/classroom?sslmode=disable", c.DSN())

	c.URL = "postgres://elsewhere/x"
	assert.Equal(t, "postgres://elsewhere/x", c.DSN())
}
