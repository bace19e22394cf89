package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the agent's config file. Zero values mean "use the default".
type Config struct {
	Host       string `yaml:"host"`
	Port       string `yaml:"port"`
	SocketPath string `yaml:"socketPath"`

	ConnectionToken        string `yaml:"connectionToken"`
	ConnectionTokenFile    string `yaml:"connectionTokenFile"`
	WithoutConnectionToken bool   `yaml:"withoutConnectionToken"`
	HandshakeKeyFile       string `yaml:"handshakeKeyFile"`

	Commit                         string `yaml:"commit"`
	Built                          bool   `yaml:"built"`
	ReconnectionGraceTimeSeconds   int    `yaml:"reconnectionGraceTimeSeconds"`
	HandshakeTimeoutSeconds        int    `yaml:"handshakeTimeoutSeconds"`
	EnableRemoteAutoShutdown       bool   `yaml:"enableRemoteAutoShutdown"`
	RemoteAutoShutdownWithoutDelay bool   `yaml:"remoteAutoShutdownWithoutDelay"`
	DisableWebSocketCompression    bool   `yaml:"disableWebSocketCompression"`

	ForceDisableUserEnv  bool `yaml:"forceDisableUserEnv"`
	ForceUserEnv         bool `yaml:"forceUserEnv"`
	UseHostProxy         bool `yaml:"useHostProxy"`
	WithoutBrowserEnvVar bool `yaml:"withoutBrowserEnvVar"`

	ExtensionHost ExtensionHost `yaml:"extensionHost"`
	Terminal      Terminal      `yaml:"terminal"`
	NATS          NATS          `yaml:"nats"`

	LogLevel string `yaml:"logLevel"`
}

// ExtensionHost describes how the extension host process is launched. An
// empty Command runs this binary's built-in "exthost" command.
type ExtensionHost struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	ExecArgv []string `yaml:"execArgv"`
	Entry    string   `yaml:"entry"`
	AppRoot  string   `yaml:"appRoot"`
	// DisableSocketHandoff forces the named pipe transport.
	DisableSocketHandoff bool `yaml:"disableSocketHandoff"`
}

// Terminal holds the terminal.integrated.* settings applied to new shells.
type Terminal struct {
	Env                         map[string]*string `yaml:"env"`
	Cwd                         string             `yaml:"cwd"`
	DetectLocale                string             `yaml:"detectLocale"`
	InheritEnv                  *bool              `yaml:"inheritEnv"`
	DefaultShell                string             `yaml:"defaultShell"`
	PersistentSessionGraceHours int                `yaml:"persistentSessionGraceHours"`
}

// NATS enables lifecycle event publishing when URL is set.
type NATS struct {
	URL       string `yaml:"url"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Prefix    string `yaml:"prefix"`
	JetStream bool   `yaml:"jetStream"`
}

// ErrInvalidPort indicates a malformed port or port range.
var ErrInvalidPort = errors.New("invalid port")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := ExpandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// PortRange parses "8000" or "8000-8010". An empty string yields 8000.
func PortRange(spec string) (first, last int, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 8000, 8000, nil
	}
	lo, hi, isRange := strings.Cut(spec, "-")
	first, err = strconv.Atoi(strings.TrimSpace(lo))
	if err != nil || first < 0 || first > 65535 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPort, spec)
	}
	if !isRange {
		return first, first, nil
	}
	last, err = strconv.Atoi(strings.TrimSpace(hi))
	if err != nil || last < first || last > 65535 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidPort, spec)
	}
	return first, last, nil
}

// ExpandPath resolves "~" and relative paths.
func ExpandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
