package storage

import (
	"os"
	"path/filepath"
	"strings"
)

// Fixed bundle layout. A model directory is valid iff it contains every
// required file and at least one of the weight variants.
var (
	requiredFiles  = []string{"config.json", "tokenizer.json"}
	weightVariants = []string{"model.safetensors", "model.gguf", "pytorch_model.bin"}
)

// RequiredFiles returns the metadata/tokenizer files every bundle must carry.
func RequiredFiles() []string {
	out := make([]string, len(requiredFiles))
	copy(out, requiredFiles)
	return out
}

// WeightVariants returns the acceptable weight file names, in preference order.
func WeightVariants() []string {
	out := make([]string, len(weightVariants))
	copy(out, weightVariants)
	return out
}

// DirNameForID converts a repository-qualified id (e.g. "org/model") into a
// single path segment. The inverse is IDForDirName.
func DirNameForID(id string) string {
	return strings.ReplaceAll(id, "/", "--")
}

// IDForDirName restores the repository-qualified id from a directory name.
func IDForDirName(name string) string {
	return strings.ReplaceAll(name, "--", "/")
}

// IsValidModelDir reports whether dir satisfies the bundle validity
// invariant. A missing directory is simply invalid, not an error.
func IsValidModelDir(dir string) bool {
	for _, name := range requiredFiles {
		if !isRegularFile(filepath.Join(dir, name)) {
			return false
		}
	}
	for _, name := range weightVariants {
		if isRegularFile(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

// WeightFile returns the first weight variant present in dir, or "" when the
// directory has none.
func WeightFile(dir string) string {
	for _, name := range weightVariants {
		if isRegularFile(filepath.Join(dir, name)) {
			return name
		}
	}
	return ""
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
