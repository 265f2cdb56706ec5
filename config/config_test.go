package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtd.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.EnableIPv4)
	require.Equal(t, 49001, cfg.Port)

	_, err = os.Stat(path)
	require.NoError(t, err, "default config file should have been written")

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
Port = 7000
EnableIPv4 = true
EnableIPv6 = true
DataDir = "/var/lib/dhtd"
ThrottleRate = 25.0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Port)
	require.True(t, cfg.EnableIPv6)
	require.Equal(t, "/var/lib/dhtd", cfg.DataDir)
	require.Equal(t, 25.0, cfg.ThrottleRate)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
Port = 7000
DataDir = "./data"
Bogus = "nope"
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Bogus")
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhtd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
Port = 70000
DataDir = "./data"
`), 0o644))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
Port = 7000
EnableIPv4 = false
EnableIPv6 = false
DataDir = "./data"
`), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}
