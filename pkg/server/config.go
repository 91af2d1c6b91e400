package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/fuzzytales/fuzzy/pkg/logging"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	Address     string `toml:"address"`
	Port        int    `toml:"port"`
	KeyFile     string `toml:"key_file"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	JournalPath string `toml:"journal_path"`
}

type LimitsSection struct {
	MaxClients          int `toml:"max_clients"`
	MaxRoomMembers      int `toml:"max_room_members"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
}

type LoggingSection struct {
	Level   string `toml:"level"`
	Console *bool  `toml:"console"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	console := true
	return TOMLConfig{
		Server: ServerSection{
			Address:     "127.0.0.1",
			Port:        7557,
			KeyFile:     "~/.fuzzy/server.key",
			HTTPPort:    0,
			MetricsPort: 9090,
			JournalPath: "",
		},
		Limits: LimitsSection{
			MaxClients:          0,
			MaxRoomMembers:      0,
			WriteTimeoutSeconds: 0,
		},
		Logging: LoggingSection{
			Level:   "info",
			Console: &console,
		},
	}
}

// expandHome expands a leading ~/ to the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

func envInt(name string, target *int) {
	if val := os.Getenv(name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envString(name string, target *string) {
	if val, ok := os.LookupEnv(name); ok {
		*target = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: FUZZY_SECTION_KEY
// Example: FUZZY_SERVER_PORT=8000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envString("FUZZY_SERVER_ADDRESS", &config.Server.Address)
	envInt("FUZZY_SERVER_PORT", &config.Server.Port)
	envString("FUZZY_SERVER_KEY_FILE", &config.Server.KeyFile)
	envInt("FUZZY_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("FUZZY_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("FUZZY_SERVER_JOURNAL_PATH", &config.Server.JournalPath)

	envInt("FUZZY_LIMITS_MAX_CLIENTS", &config.Limits.MaxClients)
	envInt("FUZZY_LIMITS_MAX_ROOM_MEMBERS", &config.Limits.MaxRoomMembers)
	envInt("FUZZY_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)

	envString("FUZZY_LOGGING_LEVEL", &config.Logging.Level)
	if val := os.Getenv("FUZZY_LOGGING_CONSOLE"); val != "" {
		if console, err := strconv.ParseBool(val); err == nil {
			config.Logging.Console = &console
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# FUZZY Tales lobby server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# FUZZY_SECTION_KEY (e.g., FUZZY_SERVER_PORT=8000)

[server]
# Address and TCP port of the lobby listener
address = "127.0.0.1"
port = 7557

# The session key is written here at startup (mode 0600) so local
# clients can authenticate. Leave empty to skip writing it.
key_file = "~/.fuzzy/server.key"

# Port for the WebSocket transport (/ws). Set to 0 to disable
http_port = 0

# Port for the internal metrics server (/metrics, /health). Set to 0 to disable
metrics_port = 9090

# SQLite file receiving the lobby event journal. Leave empty to disable
# journal_path = "~/.fuzzy/journal.db"

[limits]
# Maximum concurrent connections (0 = unlimited)
max_clients = 0

# Maximum members per room including the owner (0 = unlimited)
max_room_members = 0

# Deadline for a single response write in seconds (0 = no deadline)
write_timeout_seconds = 0

[logging]
# trace, debug, info, warn, error
level = "info"

# Human-readable console output; false switches to JSON lines
console = true
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Address) != "" {
		cfg.Address = c.Server.Address
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return ServerConfig{}, fmt.Errorf("invalid port %d", c.Server.Port)
	}
	cfg.Port = c.Server.Port
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	keyFile, err := expandHome(strings.TrimSpace(c.Server.KeyFile))
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.KeyFile = keyFile

	journal, err := expandHome(strings.TrimSpace(c.Server.JournalPath))
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.JournalPath = journal

	if c.Limits.MaxClients > 0 {
		cfg.MaxClients = c.Limits.MaxClients
	}
	if c.Limits.MaxRoomMembers > 0 {
		cfg.MaxRoomMembers = c.Limits.MaxRoomMembers
	}
	if c.Limits.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}

	return cfg, nil
}

// LoggingConfig returns the logging settings of the file
func (c *TOMLConfig) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if strings.TrimSpace(c.Logging.Level) != "" {
		cfg.Level = c.Logging.Level
	}
	if c.Logging.Console != nil {
		cfg.Console = *c.Logging.Console
	}
	return cfg
}
