package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bldst/buildstate/config"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Engine.Step)
	assert.Equal(t, 100, cfg.Engine.Terminal)
	assert.Equal(t, 4, cfg.Dispatcher.Concurrency)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
database:
  driver: postgres
  dsn: host=db user=bldst dbname=buildstate
engine:
  step: 10
  terminal: 100
dispatcher:
  poll_interval: 1s
  max_attempts: 2
orchestrators:
  - platform: gitlab
    trigger_url: https://gitlab.example.com/api/v4/projects/1/trigger/pipeline
    status_url: https://gitlab.example.com/api/v4/jobs
    token_env: GITLAB_TRIGGER_TOKEN
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10, cfg.Engine.Step)
	assert.Equal(t, time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, 2, cfg.Dispatcher.MaxAttempts)
	require.Len(t, cfg.Orchestrators, 1)
	assert.Equal(t, "gitlab", cfg.Orchestrators[0].Platform)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	t.Setenv("BLDST_SERVER_PORT", "7070")
	t.Setenv("BLDST_DB_DSN", "prod.db")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "prod.db", cfg.Database.DSN)
}

func TestLoad_RejectsBadEngineConfig(t *testing.T) {
	_, err := config.Load(writeConfig(t, "engine:\n  step: 0\n"))
	assert.Error(t, err)

	_, err = config.Load(writeConfig(t, "engine:\n  step: 7\n  terminal: 100\n"))
	assert.Error(t, err)
}

func TestLoad_RejectsIncompleteOrchestrator(t *testing.T) {
	_, err := config.Load(writeConfig(t, "orchestrators:\n  - platform: gitlab\n"))
	assert.Error(t, err)
}

func TestOrchestratorToken_FromEnv(t *testing.T) {
	t.Setenv("CI_TRIGGER_TOKEN", "sekrit")

	oc := config.OrchestratorConfig{TokenEnv: "CI_TRIGGER_TOKEN"}
	assert.Equal(t, "sekrit", oc.Token())

	assert.Empty(t, config.OrchestratorConfig{}.Token())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load("/does/not/exist.yaml")
	assert.Error(t, err)
}
