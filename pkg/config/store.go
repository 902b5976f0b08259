package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Store reads and writes the server document on disk. It exists for host
// applications (CLI, admin API); the gateway engine only receives an
// already-loaded []ServerConfig and never touches the filesystem.
//
// Writes go through a temp file + rename and are guarded by a sidecar flock
// so concurrent admin processes cannot interleave partial documents.
type Store struct {
	path string
}

// NewStore creates a store for the document at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads and parses the document. A missing file yields an empty
// version-1 document rather than an error.
func (s *Store) Load() (*Document, error) {
	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Version: 1}, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return ParseDocument(data)
}

// Save atomically replaces the document on disk.
func (s *Store) Save(doc *Document) error {
	data, err := EncodeDocument(doc)
	if err != nil {
		return err
	}

	fl := flock.New(s.path + ".lock")
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer fl.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
