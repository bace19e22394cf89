package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = Load("  ")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 0.0.0.0
port: "9000-9005"
reconnectionGraceTimeSeconds: 60
enableRemoteAutoShutdown: true
extensionHost:
  command: /usr/bin/node
  execArgv: ["--inspect=9229", "--max-old-space-size=4096"]
terminal:
  env:
    FOO: bar
    REMOVED: null
nats:
  url: nats://127.0.0.1:4222
  jetStream: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 60, cfg.ReconnectionGraceTimeSeconds)
	assert.True(t, cfg.EnableRemoteAutoShutdown)
	assert.Equal(t, "/usr/bin/node", cfg.ExtensionHost.Command)
	assert.Len(t, cfg.ExtensionHost.ExecArgv, 2)
	require.Contains(t, cfg.Terminal.Env, "REMOVED")
	assert.Nil(t, cfg.Terminal.Env["REMOVED"])
	assert.Equal(t, "bar", *cfg.Terminal.Env["FOO"])
	assert.True(t, cfg.NATS.JetStream)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: [unterminated"), 0o600))
	_, err := Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, (&Config{Host: "localhost", Port: "8123"}).Save(path))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8123", cfg.Port)
}

func TestPortRange(t *testing.T) {
	first, last, err := PortRange("")
	require.NoError(t, err)
	assert.Equal(t, [2]int{8000, 8000}, [2]int{first, last})

	first, last, err = PortRange("9000-9002")
	require.NoError(t, err)
	assert.Equal(t, [2]int{9000, 9002}, [2]int{first, last})

	for _, bad := range []string{"abc", "9002-9000", "70000", "1-x"} {
		_, _, err := PortRange(bad)
		assert.ErrorIs(t, err, ErrInvalidPort, bad)
	}
}

func TestDefaultPaths(t *testing.T) {
	t.Setenv("XRAGENT_HOME", "/tmp/xr")
	t.Setenv("XRAGENT_CONFIG", "")
	assert.Equal(t, "/tmp/xr/config.yaml", DefaultConfigPath())
	t.Setenv("XRAGENT_CONFIG", "/etc/xragent.yaml")
	assert.Equal(t, "/etc/xragent.yaml", DefaultConfigPath())
}
