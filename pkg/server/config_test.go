package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fuzzy", "server.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	// The generated file parses back to the same defaults
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
address = "0.0.0.0"
port = 8000
journal_path = "/tmp/journal.db"

[limits]
max_room_members = 4

[logging]
level = "debug"
console = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Address)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Limits.MaxRoomMembers)
	// Unset keys keep their defaults
	assert.Equal(t, 9090, cfg.Server.MetricsPort)

	srvCfg, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", srvCfg.Address)
	assert.Equal(t, 8000, srvCfg.Port)
	assert.Equal(t, "/tmp/journal.db", srvCfg.JournalPath)
	assert.Equal(t, 4, srvCfg.MaxRoomMembers)

	logCfg := cfg.LoggingConfig()
	assert.Equal(t, "debug", logCfg.Level)
	assert.False(t, logCfg.Console)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nport = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	t.Setenv("FUZZY_SERVER_PORT", "9000")
	t.Setenv("FUZZY_SERVER_KEY_FILE", "")
	t.Setenv("FUZZY_LIMITS_MAX_CLIENTS", "16")
	t.Setenv("FUZZY_LOGGING_LEVEL", "warn")
	t.Setenv("FUZZY_LOGGING_CONSOLE", "false")
	t.Setenv("FUZZY_LIMITS_WRITE_TIMEOUT_SECONDS", "not-a-number")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "", cfg.Server.KeyFile)
	assert.Equal(t, 16, cfg.Limits.MaxClients)
	assert.Equal(t, 0, cfg.Limits.WriteTimeoutSeconds)
	assert.Equal(t, "warn", cfg.Logging.Level)
	require.NotNil(t, cfg.Logging.Console)
	assert.False(t, *cfg.Logging.Console)
}

func TestToServerConfig(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := DefaultTOMLConfig()
	srvCfg, err := cfg.ToServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", srvCfg.Address)
	assert.Equal(t, 7557, srvCfg.Port)
	assert.Equal(t, filepath.Join(home, ".fuzzy", "server.key"), srvCfg.KeyFile)
	assert.Equal(t, "", srvCfg.JournalPath)
	assert.Equal(t, 0, srvCfg.MaxClients)

	cfg.Server.Port = 70000
	_, err = cfg.ToServerConfig()
	assert.Error(t, err)
}
