package combine

import (
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
)

// Output file names written next to the tile cache
const (
	CentersFile  = "centers.geojson"
	ExtentsFile  = "extents.geojson"
	CoverageFile = "tile-coverage.geojson"
)

// CentersCollection returns the deduplicated point features
func (r *Result) CentersCollection() *geojson.FeatureCollection {
	return recordsCollection(r.Centers)
}

// ExtentsCollection returns the deduplicated polygon features
func (r *Result) ExtentsCollection() *geojson.FeatureCollection {
	return recordsCollection(r.Extents)
}

// CoverageCollection returns one polygon per complete tile
func (r *Result) CoverageCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range r.Coverage {
		f := geojson.NewFeature(c.Extent)
		f.Properties["tileId"] = c.Tile.String()
		f.Properties["fetchedAt"] = c.FetchedAt.UTC().Format(time.RFC3339)
		f.Properties["fetchedFeatureCount"] = c.FeatureCount
		fc.Append(f)
	}
	return fc
}

func recordsCollection(records []Record) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		f := geojson.NewFeature(r.Geometry)
		for k, v := range r.Properties {
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	return fc
}

// WriteFeatureCollection writes fc to path through a temp file
func WriteFeatureCollection(path string, fc *geojson.FeatureCollection) error {
	data, err := fc.MarshalJSON()
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrapf(err, "failed to create directory for %s", path)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "failed to write %s", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return eris.Wrapf(err, "failed to move %s into place", path)
	}
	return nil
}

// WriteAll writes centers, extents and coverage into dir
func (r *Result) WriteAll(dir string) error {
	outputs := []struct {
		name string
		fc   *geojson.FeatureCollection
	}{
		{CentersFile, r.CentersCollection()},
		{ExtentsFile, r.ExtentsCollection()},
		{CoverageFile, r.CoverageCollection()},
	}
	for _, o := range outputs {
		if err := WriteFeatureCollection(filepath.Join(dir, o.name), o.fc); err != nil {
			return err
		}
	}
	return nil
}
