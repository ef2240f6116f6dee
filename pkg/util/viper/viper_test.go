package viper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	Address string `mapstructure:"address"`
	Limit   int    `mapstructure:"limit"`
}

type testConfig struct {
	Server testServer `mapstructure:"server"`
	Name   string     `mapstructure:"name"`
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  address: 127.0.0.1:9000\n  limit: 5\n"), 0o600))
	t.Setenv("RELAYTEST_SERVER_LIMIT", "7")

	c := New("RELAYTEST")
	c.SetDefaults(map[string]any{
		"server.address": "0.0.0.0:8080",
		"server.limit":   1,
		"name":           "default",
	})
	require.NoError(t, c.LoadFile(path))
	assert.Equal(t, path, c.ConfigFileUsed())

	var cfg testConfig
	require.NoError(t, c.Unmarshal(&cfg))
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address)
	assert.Equal(t, 7, cfg.Server.Limit)
	assert.Equal(t, "default", cfg.Name)

	var server testServer
	require.NoError(t, c.UnmarshalKey("server", &server))
	assert.Equal(t, 7, server.Limit)
}

func TestBindEnv(t *testing.T) {
	t.Setenv("RELAYTEST_SECRET", "s3cr3t")
	c := New("")
	require.NoError(t, c.BindEnv("auth.key", "RELAYTEST_SECRET"))
	assert.Equal(t, "s3cr3t", c.GetString("auth.key"))
}

func TestLoadFileErrors(t *testing.T) {
	c := New("")
	assert.Error(t, c.LoadFile("relay.toml"))
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
