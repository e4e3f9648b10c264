package config

import (
	"os"
	"path/filepath"
)

// Dir returns the per-user state directory, ~/.marketchat.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".marketchat"), nil
}

// DefaultPath returns the config file location inside Dir.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureDir creates dir if needed.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}
