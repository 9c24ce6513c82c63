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
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 3, cfg.Pipeline.CouponSize)
	assert.Contains(t, cfg.Agents.Roles, "arbiter")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
http_addr: ":9090"
lang: tr
provider:
  sources:
    - name: primary
      base_url: https://api.example.com
      api_key: inline-key
      api_key_env: TEST_FOOTBALL_KEY
cache:
  backend: memory
  ttl: 5m
store:
  backend: memory
settlement:
  sweep_interval: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("TEST_FOOTBALL_KEY", "env-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "tr", cfg.Lang)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL.Std())
	assert.Equal(t, 2*time.Minute, cfg.Settlement.SweepInterval.Std())
	require.Len(t, cfg.Provider.Sources, 1)
	assert.Equal(t, "env-key", cfg.Provider.Sources[0].APIKey)
}

func TestLoadEnvSwitchesBackends(t *testing.T) {
	t.Setenv("TACTICORE_PG_DSN", "postgres://localhost/tacticore")
	t.Setenv("TACTICORE_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Backend)
	assert.Equal(t, "redis", cfg.Cache.Backend)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: sqlite\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestValidateRejectsBadAgentProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "agents:\n  roles:\n    scout:\n      provider: llama-local\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
