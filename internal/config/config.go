// Package config handles configuration parsing for replcheck.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeout bounds each prompt wait when the config does not say
// otherwise.
const DefaultTimeout = 10 * time.Second

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/replcheck/config.yaml or ~/.config/replcheck/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "replcheck", "config.yaml")
}

// Duration wraps time.Duration with YAML support for strings like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the top-level configuration.
type Config struct {
	// Timeout bounds each wait for a REPL prompt.
	Timeout   Duration        `yaml:"timeout"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
	Servers   []ServerConfig  `yaml:"servers"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// RecordingConfig defines raw session output recording.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // directory to store recordings
}

// ServerConfig defines an SSH server sessions can run on, selected by
// the server block attribute.
type ServerConfig struct {
	Name            string `yaml:"name"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	KeyPath         string `yaml:"key_path"`
	InsecureHostKey bool   `yaml:"insecure_host_key"` // skip known_hosts verification
	UseKeyring      bool   `yaml:"use_keyring"`       // fetch key passphrases from the OS keyring
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timeout: Duration(DefaultTimeout),
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads the configuration from path. An empty path tries the
// default location and falls back to defaults when no file exists.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", time.Duration(c.Timeout))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	seen := map[string]bool{}
	for _, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("server without a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.Name)
		}
		if s.User == "" {
			return fmt.Errorf("server %s: user is required", s.Name)
		}
	}
	return nil
}

// Server looks up a server by name.
func (c *Config) Server(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}
