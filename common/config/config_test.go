package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MERLIN_CONFIG_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, 720*time.Hour, cfg.Workflow.ProposalTTL)
	assert.Equal(t, 60*time.Second, cfg.Workflow.AnalysisTimeout)
	assert.Equal(t, 4, cfg.Workflow.MaxParallelAnalyses)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "MERLIN_EVENTS", cfg.NATS.Stream)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 9999
database:
  type: memory
workflow:
  proposal_ttl: 48h
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0600))
	t.Setenv("MERLIN_LOGGING_LEVEL", "debug")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, 48*time.Hour, cfg.Workflow.ProposalTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPostgresConnectionString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "merlin", User: "u", Password: "p"}
	assert.Equal(t, "postgres://u:p@db:5432/merlin?sslmode=disable", p.ConnectionString())

	p.SSLMode = "require"
	assert.Equal(t, "postgres://u:p@db:5432/merlin?sslmode=require", p.ConnectionString())
}

func TestCLIConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := LoadCLI(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineURL, cfg.EngineURL(""))

	cfg.SetProfile("staging", &CLIProfile{EngineURL: "http://engine:8090", AccessToken: "tok"})
	require.NoError(t, cfg.Save())

	reloaded, err := LoadCLI(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", reloaded.CurrentProfile)
	assert.Equal(t, "http://engine:8090", reloaded.EngineURL(""))
	assert.Equal(t, "tok", reloaded.AccessToken("staging"))

	_, err = reloaded.GetProfile("missing")
	assert.Error(t, err)
}
