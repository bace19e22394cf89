package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("XRAGENT_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".xragent")
}

// DefaultConfigPath honours $XRAGENT_CONFIG.
func DefaultConfigPath() string {
	if v := os.Getenv("XRAGENT_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
