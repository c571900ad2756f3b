//go:build darwin

package storage

import (
	"os"
	"path/filepath"
)

// defaultRoot returns the default storage root for macOS.
// Returns ~/Library/Application Support/<appName>/models/
func defaultRoot(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", appName, "models"), nil
}
