package rosreestr

import (
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/combine"
)

// Decoder reads cached cadastral tiles for the combiner
type Decoder struct {
	objectType ObjectType
	log        *zap.Logger
}

// NewDecoder creates a decoder for objectType. Skipped features are
// reported on log (nil discards them).
func NewDecoder(objectType ObjectType, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{objectType: objectType, log: log}
}

// ObjectType returns the cache namespace
func (d *Decoder) ObjectType() string {
	return string(d.objectType)
}

// Decode turns a cache document into features keyed by cadastral number.
// Features with an invalid cadastral number or no geometry are skipped.
func (d *Decoder) Decode(data []byte) (*combine.TileContent, error) {
	entry, err := cache.Decode[Response](data)
	if err != nil {
		return nil, err
	}
	if err := entry.CheckFormat(FormatV1); err != nil {
		return nil, err
	}
	// status counts every returned feature, usable or not
	status, err := entry.Response.Status()
	if err != nil {
		return nil, err
	}

	tc := &combine.TileContent{
		Tile:      entry.Tile,
		FetchedAt: entry.FetchedAt,
		Status:    status,
		Features:  make([]combine.Feature, 0, len(entry.Response.Features)),
	}
	if entry.FetchedExtent != nil {
		tc.FetchedExtent = entry.FetchedExtent.Geometry()
	}

	tileID := entry.Tile.String()
	for _, f := range entry.Response.Features {
		if !f.Usable() {
			d.log.Warn("Skipping cadastral feature",
				zap.String("tile", tileID),
				zap.String("cn", f.Attrs.CN),
				zap.Bool("no_geometry", f.NoGeometry),
			)
			continue
		}
		tc.Features = append(tc.Features, combine.Feature{
			ExternalID: f.Attrs.CN,
			EmbeddedID: f.Attrs.ID,
			DerivedID:  CNToID(f.Attrs.CN),
			Center:     f.Center,
			Extent:     f.ExtentBound().ToPolygon(),
			CenterProperties: map[string]interface{}{
				"tileId":  tileID,
				"address": f.Attrs.Address,
				"cn":      f.Attrs.CN,
				"id":      f.Attrs.ID,
			},
			ExtentProperties: map[string]interface{}{
				"cn": f.Attrs.CN,
			},
		})
	}
	return tc, nil
}
