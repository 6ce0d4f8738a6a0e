// Package segstore is the directory-backed Segment Store: a rolling window of
// media segments plus one playlist, written by exactly one worker and read by
// any number of HTTP clients.
//
// The store does no locking. Consistency relies on the relay running at most
// one worker at a time and purging the directory on every session boundary.
// The accepted race: a reader may fetch a playlist that names a segment the
// worker has just evicted; that window is bounded by the playlist size.
package segstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// ErrNoManifest is returned when the playlist file does not exist.
var ErrNoManifest = errors.New("no manifest")

// Store is a handle on the segment directory.
type Store struct {
	dir      string
	manifest string
}

// New ensures dir exists and returns a Store whose playlist is named manifest.
func New(dir, manifest string) (*Store, error) {
	if dir == "" || manifest == "" {
		return nil, fmt.Errorf("segstore: dir and manifest name are required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store dir: %w", err)
	}
	return &Store{dir: abs, manifest: manifest}, nil
}

// Dir returns the absolute directory path.
func (s *Store) Dir() string { return s.dir }

// ManifestName returns the playlist file name.
func (s *Store) ManifestName() string { return s.manifest }

// ManifestPath returns the absolute playlist path.
func (s *Store) ManifestPath() string { return filepath.Join(s.dir, s.manifest) }

// Purge removes every entry in the directory. Purging an empty (or missing)
// directory is a no-op. Failures on individual entries are joined.
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return os.MkdirAll(s.dir, 0o755)
		}
		return fmt.Errorf("read store dir: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Files returns the sorted names of all regular files in the store.
func (s *Store) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Manifest parses the current playlist.
func (s *Store) Manifest() (*Manifest, error) {
	f, err := os.Open(s.ManifestPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}
