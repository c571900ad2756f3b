//go:build windows

package storage

import (
	"os"
	"path/filepath"
)

// defaultRoot returns the default storage root for Windows.
// Returns %APPDATA%\<appName>\models\
func defaultRoot(appName string) (string, error) {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		appData = filepath.Join(home, "AppData", "Roaming")
	}
	return filepath.Join(appData, appName, "models"), nil
}
