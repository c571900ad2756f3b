package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"inferd/internal/common/fsutil"
)

// Store resolves per-model directories under a single local root and hands
// out per-directory locks so downloads and cleanup targeting the same model
// never interleave. One Store per storage root; safe for concurrent use.
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the root directory if needed and returns a Store for it.
// An empty root selects the platform default.
func NewStore(root string) (*Store, error) {
	if root == "" {
		def, err := defaultRoot("inferd")
		if err != nil {
			return nil, fmt.Errorf("default storage root: %w", err)
		}
		root = def
	}
	expanded, err := fsutil.ExpandHome(root)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Store{root: abs, locks: make(map[string]*sync.Mutex)}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.root }

// ModelDir returns the directory a model id maps to. The directory may not
// exist yet.
func (s *Store) ModelDir(id string) string {
	return filepath.Join(s.root, DirNameForID(id))
}

// LockModelDir acquires the per-directory mutex for a model id and returns
// the unlock func. Mutating operations (download, cleanup of that dir) must
// hold it for their duration.
func (s *Store) LockModelDir(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Scan walks the immediate subdirectories of the root and partitions them by
// the validity invariant. Names are directory names, sorted for deterministic
// output; plain files at the root are ignored.
func (s *Store) Scan() (valid, invalid []string, err error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, nil, fmt.Errorf("read storage root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		if IsValidModelDir(dir) {
			valid = append(valid, e.Name())
		} else {
			invalid = append(invalid, e.Name())
		}
	}
	sort.Strings(valid)
	sort.Strings(invalid)
	return valid, invalid, nil
}

// EnsureModelDir creates the model directory if it does not exist yet.
func (s *Store) EnsureModelDir(id string) error {
	if err := os.MkdirAll(s.ModelDir(id), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	return nil
}

// RemoveModelDir deletes a model directory wholesale. Callers must hold the
// directory lock.
func (s *Store) RemoveModelDir(id string) error {
	if err := os.RemoveAll(s.ModelDir(id)); err != nil {
		return fmt.Errorf("remove model dir: %w", err)
	}
	return nil
}
