package wikimapia

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/combine"
)

var idPattern = regexp.MustCompile(`^wm([0-9]+)$`)

// ParseID returns the numeric part of a "wm12345" feature id
func ParseID(id string) (int64, error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, eris.Errorf("unexpected feature id %q, should be wm12345", id)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n == 0 {
		return 0, eris.Errorf("unexpected feature id %q, should be wm12345", id)
	}
	return n, nil
}

// Decoder reads cached wikimapia tiles for the combiner
type Decoder struct {
	log *zap.Logger
}

// NewDecoder creates a decoder reporting skipped placemarks on log
// (nil discards them)
func NewDecoder(log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Decoder{log: log}
}

// ObjectType returns the cache namespace
func (*Decoder) ObjectType() string {
	return ObjectType
}

// Decode splits every placemark into a center point and an outline polygon.
// Placemarks without a wm id, a point or an outline are skipped.
func (d *Decoder) Decode(data []byte) (*combine.TileContent, error) {
	entry, err := cache.Decode[Response](data)
	if err != nil {
		return nil, err
	}
	if err := entry.CheckFormat(FormatV1); err != nil {
		return nil, err
	}

	tc := &combine.TileContent{
		Tile:      entry.Tile,
		FetchedAt: entry.FetchedAt,
		Status:    entry.Response.Status(),
		Features:  make([]combine.Feature, 0, len(entry.Response)),
	}
	if entry.FetchedExtent != nil {
		tc.FetchedExtent = entry.FetchedExtent.Geometry()
	} else {
		tc.FetchedExtent = entry.Tile.Polygon()
	}

	tileID := entry.Tile.String()
	for _, f := range entry.Response {
		pf, err := decodePlacemark(f)
		if err != nil {
			d.log.Warn("Skipping placemark",
				zap.String("tile", tileID),
				zap.Any("id", f.ID),
				zap.Error(err),
			)
			continue
		}
		tc.Features = append(tc.Features, pf)
	}
	return tc, nil
}

func decodePlacemark(f *geojson.Feature) (combine.Feature, error) {
	externalID := fmt.Sprint(f.ID)
	id, err := ParseID(externalID)
	if err != nil {
		return combine.Feature{}, err
	}
	center, outline, err := splitGeometry(f.Geometry)
	if err != nil {
		return combine.Feature{}, err
	}

	props := map[string]interface{}{"wikimapiaId": id}
	for k, v := range f.Properties {
		props[k] = v
	}
	extentProps := make(map[string]interface{}, len(props))
	for k, v := range props {
		extentProps[k] = v
	}

	return combine.Feature{
		ExternalID:       externalID,
		Center:           center,
		Extent:           orb.Polygon{orb.Ring(outline)},
		CenterProperties: props,
		ExtentProperties: extentProps,
	}, nil
}

// splitGeometry expects exactly one Point and one LineString
func splitGeometry(g orb.Geometry) (orb.Point, orb.LineString, error) {
	c, ok := g.(orb.Collection)
	if !ok || len(c) != 2 {
		return orb.Point{}, nil, eris.New("expected one Point and one LineString")
	}

	var (
		point    orb.Point
		hasPoint bool
		outline  orb.LineString
	)
	for _, g := range c {
		switch v := g.(type) {
		case orb.Point:
			point, hasPoint = v, true
		case orb.LineString:
			outline = v
		}
	}
	if !hasPoint || outline == nil {
		return orb.Point{}, nil, eris.New("expected one Point and one LineString")
	}
	return point, outline, nil
}
