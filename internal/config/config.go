// Package config resolves the daemon's optional YAML configuration file,
// grounded on the teacher's internal/config/config.go yaml.v3 struct-tag
// style. DefaultPath is recomputed on every call; nothing is cached.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds daemon-wide settings. Every field has a documented default
// applied by Load when the file or field is absent.
type Config struct {
	SocketPath            string  `yaml:"socket_path"`
	DefaultTimeoutSecs    float64 `yaml:"default_timeout_secs"`
	DefaultMaxOutputBytes int     `yaml:"default_max_output_bytes"`
	LogPath               string  `yaml:"log_path"`
	LogEnabled            bool    `yaml:"log_enabled"`
}

// DefaultMaxOutputBytes is the 1 MiB transcript cap named in spec §3.
const DefaultMaxOutputBytes = 1024 * 1024

// Default returns the hardcoded defaults used when no config file exists.
func Default() Config {
	return Config{
		DefaultMaxOutputBytes: DefaultMaxOutputBytes,
		LogEnabled:            false,
	}
}

// DefaultPath returns ~/.config/agentryd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", "agentryd", "config.yaml"), nil
}

// Load reads path and overlays it onto Default(). A missing file is not an
// error: it simply yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return cfg, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.DefaultMaxOutputBytes <= 0 {
		cfg.DefaultMaxOutputBytes = DefaultMaxOutputBytes
	}
	return cfg, nil
}
