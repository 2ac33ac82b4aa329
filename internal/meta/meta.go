// Package meta implements content hashing and the persistent path→digest map
// used for change detection between syncs.
package meta

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Digest computes the hex-encoded SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store is the persistent path→digest map. The on-disk format is a single
// flat JSON object rewritten whole on Save via write-then-rename. Saves are
// serialized across processes with a flock sidecar so two osgrep instances
// sharing ~/.osgrep/meta.json do not interleave.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]string
}

// NewStore creates a Store persisted at path. Call Load before first use.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		entries: make(map[string]string),
	}
}

// Load reads the backing file. A missing file yields an empty map; a corrupt
// file yields an empty map and a warning, never an error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]string)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read meta store: %w", err)
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		slog.Warn("meta_store_corrupt",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		s.entries = make(map[string]string)
	}
	return nil
}

// Save rewrites the backing file atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.entries, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal meta store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock meta store: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace meta store: %w", err)
	}
	return nil
}

// Get returns the digest for path and whether it is present.
func (s *Store) Get(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.entries[path]
	return h, ok
}

// Set records the digest for path.
func (s *Store) Set(path, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = hash
}

// Delete removes path from the map.
func (s *Store) Delete(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
}

// Paths returns all tracked paths.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.entries))
	for p := range s.entries {
		paths = append(paths, p)
	}
	return paths
}

// Len returns the number of tracked paths.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
