// Package cache stores one JSON document per fetched tile on the local
// filesystem. The presence of a document is the only record that a tile
// was fetched, so the directory tree doubles as the crawl's resume state.
package cache

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

const dataFile = "data.json"

var (
	// ErrNotFound means the tile has not been fetched yet
	ErrNotFound = eris.New("cache entry not found")
	// ErrExists is returned when writing over an existing entry
	ErrExists = eris.New("cache entry already exists")
	// ErrFormat is returned when an entry carries an unexpected format tag
	ErrFormat = eris.New("unexpected cache entry format")
)

// Entry is the persisted result of fetching one tile
type Entry[R any] struct {
	Tile          tile.Tile         `json:"tile"`
	FetchedAt     time.Time         `json:"fetchedAt"`
	FetchedExtent *geojson.Geometry `json:"fetchedExtent"`
	Format        string            `json:"format"`
	Response      R                 `json:"response"`
}

// CheckFormat verifies the entry's format tag
func (e *Entry[R]) CheckFormat(want string) error {
	if e.Format != want {
		return eris.Wrapf(ErrFormat, "tile %s has format %q, want %q", e.Tile, e.Format, want)
	}
	return nil
}

// Store is a filesystem-backed tile cache rooted at a directory
type Store struct {
	root string
}

// New creates a store rooted at root
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's base directory
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory holding all tiles of objectType
func (s *Store) Dir(objectType string) string {
	return filepath.Join(s.root, objectType+"s", "by-tiles")
}

// OutputDir returns the directory for combined outputs of objectType
func (s *Store) OutputDir(objectType string) string {
	return filepath.Join(s.root, objectType+"s", "combined")
}

// Path returns the document path for a tile
func (s *Store) Path(objectType string, t tile.Tile) string {
	return filepath.Join(s.Dir(objectType),
		strconv.Itoa(t.Z), strconv.Itoa(t.X), strconv.Itoa(t.Y), dataFile)
}

// Has reports whether the tile has a cache entry
func (s *Store) Has(objectType string, t tile.Tile) (bool, error) {
	return exists(s.Path(objectType, t))
}

// ReadRaw returns the undecoded document for a tile
func (s *Store) ReadRaw(objectType string, t tile.Tile) ([]byte, error) {
	path := s.Path(objectType, t)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrapf(ErrNotFound, "tile %s", t)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}
	return data, nil
}

// Read loads and decodes a tile's entry. A missing entry yields
// ErrNotFound; an unreadable one is an error, never a miss.
func Read[R any](s *Store, objectType string, t tile.Tile) (*Entry[R], error) {
	data, err := s.ReadRaw(objectType, t)
	if err != nil {
		return nil, err
	}
	e, err := Decode[R](data)
	if err != nil {
		return nil, eris.Wrapf(err, "corrupt cache entry %s", s.Path(objectType, t))
	}
	return e, nil
}

// Decode parses an entry document
func Decode[R any](data []byte) (*Entry[R], error) {
	var e Entry[R]
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, eris.Wrap(err, "failed to decode cache entry")
	}
	return &e, nil
}

// Write persists a new entry. Entries are never overwritten; delete the
// file by hand to force a re-fetch.
func Write[R any](s *Store, objectType string, e *Entry[R]) error {
	path := s.Path(objectType, e.Tile)
	found, err := exists(path)
	if err != nil {
		return err
	}
	if found {
		return eris.Wrapf(ErrExists, "tile %s", e.Tile)
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "failed to encode tile %s", e.Tile)
	}
	return writeAtomic(path, append(data, '\n'))
}

// BlobPath returns the path of a binary tile stored under namespace
func (s *Store) BlobPath(namespace string, t tile.Tile, ext string) string {
	return filepath.Join(s.root, namespace,
		strconv.Itoa(t.Z), strconv.Itoa(t.X), strconv.Itoa(t.Y)+"."+ext)
}

// HasBlob reports whether a binary tile exists
func (s *Store) HasBlob(namespace string, t tile.Tile, ext string) (bool, error) {
	return exists(s.BlobPath(namespace, t, ext))
}

// WriteBlob stores a binary tile verbatim
func (s *Store) WriteBlob(namespace string, t tile.Tile, ext string, data []byte) error {
	return writeAtomic(s.BlobPath(namespace, t, ext), data)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, eris.Wrapf(err, "failed to stat %s", path)
}

// writeAtomic writes to a temp file first, then renames it into place
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", path)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return eris.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return eris.Wrapf(err, "failed to move %s into place", path)
	}
	return nil
}
