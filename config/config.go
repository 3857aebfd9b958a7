// Package config parses the daemon's interfaces file: a small TOML
// document listing the transport interfaces to bring up at startup.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// InterfaceConfig describes one configured interface.
type InterfaceConfig struct {
	Type    string `toml:"type"`
	Name    string `toml:"name"`
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host,omitempty"`
	Port    int    `toml:"port,omitempty"`
}

// Config is the top-level interfaces file shape: `interfaces = [...]`.
type Config struct {
	Interfaces []InterfaceConfig `toml:"interfaces"`
}

// Load reads and parses an interfaces TOML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes TOML bytes into a Config, validating each interface's type.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	for i, iface := range cfg.Interfaces {
		switch iface.Type {
		case "tcp_client", "tcp_server":
		default:
			return Config{}, fmt.Errorf("interfaces[%d]: unsupported type %q", i, iface.Type)
		}
		if iface.Type == "tcp_client" && iface.Host == "" {
			return Config{}, fmt.Errorf("interfaces[%d]: tcp_client requires host", i)
		}
		if iface.Port <= 0 {
			return Config{}, fmt.Errorf("interfaces[%d]: port must be positive", i)
		}
	}
	return cfg, nil
}
