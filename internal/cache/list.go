package cache

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/tile"
)

// Listing is one cached tile document
type Listing struct {
	Tile tile.Tile
	Path string
}

// List returns every cached tile of objectType ordered by zoom, then
// row-major. A missing cache directory yields an empty list.
func (s *Store) List(objectType string) ([]Listing, error) {
	dir := s.Dir(objectType)

	var out []Listing
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || d.Name() != dataFile {
			return nil
		}

		rel, err := filepath.Rel(dir, filepath.Dir(path))
		if err != nil {
			return err
		}
		t, err := tile.Parse(strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		if err != nil {
			return eris.Wrapf(err, "unexpected file in tile cache: %s", path)
		}
		out = append(out, Listing{Tile: t, Path: path})
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to list %s", dir)
	}

	sort.Slice(out, func(i, j int) bool { return tile.Less(out[i].Tile, out[j].Tile) })
	return out, nil
}
