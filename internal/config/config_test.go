package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen = "0.0.0.0:9000"
store = "leveldb"
data_dir = "/var/lib/relay"
challenge_ttl = "90s"

[tor]
enabled = true
remote_port = 8080
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "0.0.0.0:9000", cfg.Listen)
	require.Equal(t, StoreLevelDB, cfg.Store)
	require.Equal(t, 90*time.Second, cfg.ChallengeTTL.Duration)
	require.Equal(t, "info", cfg.LogLevel, "unset keys keep defaults")
	require.True(t, cfg.Tor.Enabled)
	require.Equal(t, 8080, cfg.Tor.RemotePort)
	require.Equal(t, filepath.Join("/var/lib/relay", "server.key"), cfg.KeyPath())
	require.Equal(t, filepath.Join("/var/lib/relay", "messages"), cfg.StorePath())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown key", body: `listn = "x"`},
		{name: "bad duration", body: `challenge_ttl = "soon"`},
		{name: "syntax", body: `listen = `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "no listen", modify: func(c *Config) { c.Listen = "" }},
		{name: "unknown store", modify: func(c *Config) { c.Store = "redis" }},
		{name: "leveldb without dir", modify: func(c *Config) { c.Store = StoreLevelDB; c.DataDir = "" }},
		{name: "zero ttl", modify: func(c *Config) { c.ChallengeTTL.Duration = 0 }},
		{name: "bad level", modify: func(c *Config) { c.LogLevel = "loud" }},
		{name: "bad tor port", modify: func(c *Config) { c.Tor.Enabled = true; c.Tor.RemotePort = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestKeyPathOverride(t *testing.T) {
	cfg := Default()
	cfg.KeyFile = "/etc/relay/key.json"
	require.Equal(t, "/etc/relay/key.json", cfg.KeyPath())
}
