//go:build linux

package storage

import (
	"os"
	"path/filepath"
)

// defaultRoot returns the default storage root for Linux.
// Uses $XDG_DATA_HOME/<appName>/models/ if set,
// otherwise ~/.local/share/<appName>/models/
func defaultRoot(appName string) (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName, "models"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName, "models"), nil
}
