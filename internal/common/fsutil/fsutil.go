package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	// handle cases like ~/models/llm
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// PathExists checks if the given path exists.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// DirSizeMB walks dir and returns the total size of regular files in MB,
// rounded up to at least 1 for non-empty directories. Returns 0 when the
// directory is missing or empty.
func DirSizeMB(dir string) int {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	if total == 0 {
		return 0
	}
	mb := int(total / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return mb
}
