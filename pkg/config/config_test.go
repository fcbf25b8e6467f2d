package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFrom(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
bot:
  token_env: MY_TOKEN
  prefix: ">"
nodes:
  - label: main
    host: lava.example.com
    port: 443
    password: hunter2
    secure: true
    regions: [rotterdam, us-east]
    request_timeout: 15s
  - host: fallback.example.com
    password: hunter2
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "MY_TOKEN", cfg.Bot.TokenEnv)
	assert.Equal(t, ">", cfg.Bot.Prefix)

	require.Len(t, cfg.Nodes, 2)
	main := cfg.Nodes[0]
	assert.Equal(t, "main", main.Label)
	assert.Equal(t, 443, main.Port)
	assert.True(t, main.Secure)
	assert.Equal(t, []string{"rotterdam", "us-east"}, main.Regions)
	assert.Equal(t, 15*time.Second, main.RequestTimeout)

	// The unnamed fallback node gets a generated label and port default.
	fallback := cfg.Nodes[1]
	assert.NotEmpty(t, fallback.Label)
	assert.NotEqual(t, "main", fallback.Label)
	assert.Equal(t, 2333, fallback.Port)
}

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "BOT_TOKEN", cfg.Bot.TokenEnv)
	assert.Empty(t, cfg.Nodes)
}

func TestNodeConfigs(t *testing.T) {
	path := writeConfig(t, `
nodes:
  - label: main
    host: lava.example.com
    port: 2333
    password: hunter2
    regions: [rotterdam]
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	ncs := cfg.NodeConfigs()
	require.Len(t, ncs, 1)
	assert.Equal(t, "main", ncs[0].Label)
	assert.Equal(t, "lava.example.com", ncs[0].Host)
	assert.Equal(t, "hunter2", ncs[0].Password)
	assert.Equal(t, []string{"rotterdam"}, ncs[0].Regions)
}
