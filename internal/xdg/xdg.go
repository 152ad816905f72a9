// Package xdg provides XDG Base Directory paths for botmanager.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "botmanager"

// base resolves an XDG variable, falling back to $HOME joined with fallback.
func base(envVar string, fallback ...string) (string, error) {
	if dir := os.Getenv(envVar); dir != "" {
		return filepath.Join(dir, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", oops.Code("XDG_NO_HOME").
			With("variable", envVar).
			Errorf("neither %s nor HOME is set", envVar)
	}
	parts := append([]string{home}, fallback...)
	return filepath.Join(append(parts, appName)...), nil
}

// ConfigDir returns the XDG config directory for botmanager.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return base("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for botmanager. Plugins, backups,
// staging and the registry live below it unless configured otherwise.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() (string, error) {
	return base("XDG_DATA_HOME", ".local", "share")
}

// StateDir returns the XDG state directory for botmanager.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() (string, error) {
	return base("XDG_STATE_HOME", ".local", "state")
}

// DefaultConfigFile is the config file looked up when --config is not given.
func DefaultConfigFile() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0750 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return oops.With("path", path).Wrapf(err, "create directory")
	}
	return nil
}
