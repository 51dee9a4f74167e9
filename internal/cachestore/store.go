// Package cachestore persists raw tile bytes on disk, keyed by cache
// partition and quadkey. It is a plain location-addressed blob store; all
// policy (when to read, when to write, what the bytes mean) lives with the
// caller.
package cachestore

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"

	"github.com/spf13/afero"
)

// Store is a key/value blob store rooted at a single directory.
type Store struct {
	fs   afero.Fs
	root string
}

// New creates a store rooted at dir on the given filesystem, creating the
// directory if needed.
func New(fs afero.Fs, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is empty")
	}
	if ok, _ := afero.DirExists(fs, dir); !ok {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return &Store{fs: fs, root: dir}, nil
}

// DefaultDir returns the OS-specific application data directory for the
// tile cache.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", "quadsnap", "tiles")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "quadsnap", "cache", "tiles")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, "quadsnap", "tiles")
	}
}

// Get returns the bytes stored under key. A missing key reports
// os.ErrNotExist through the error chain.
func (s *Store) Get(key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		return nil, fmt.Errorf("read cached tile %s: %w", key, err)
	}
	return data, nil
}

// Has reports whether key is present without reading it.
func (s *Store) Has(key string) bool {
	ok, err := afero.Exists(s.fs, s.path(key))
	return err == nil && ok
}

// Put stores data under key, creating partition directories as needed.
func (s *Store) Put(key string, data []byte) error {
	path := s.path(key)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache partition for %s: %w", key, err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return fmt.Errorf("write cached tile %s: %w", key, err)
	}
	return nil
}

// path maps a slash-separated key like "labeled/0231010" to a file below
// the store root.
func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key)+".bin")
}
