package osmbuildings

import (
	"strconv"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/combine"
)

// Decoder reads cached building tiles for the combiner
type Decoder struct{}

// NewDecoder creates a decoder
func NewDecoder() *Decoder {
	return &Decoder{}
}

// ObjectType returns the cache namespace
func (*Decoder) ObjectType() string {
	return ObjectType
}

// Decode turns a cache document into building features keyed by way id
func (*Decoder) Decode(data []byte) (*combine.TileContent, error) {
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
		Features:  make([]combine.Feature, 0, len(entry.Response.Buildings)),
	}
	if entry.FetchedExtent != nil {
		tc.FetchedExtent = entry.FetchedExtent.Geometry()
	}

	tileID := entry.Tile.String()
	for _, b := range entry.Response.Buildings {
		featureID := b.FeatureID()
		derived, err := ParseWayID(featureID)
		if err != nil {
			return nil, err
		}

		tc.Features = append(tc.Features, combine.Feature{
			ExternalID: featureID,
			EmbeddedID: strconv.FormatInt(b.ID, 10),
			DerivedID:  strconv.FormatInt(derived, 10),
			Center:     b.Center,
			Extent:     b.Extent,
			CenterProperties: map[string]interface{}{
				"tileId": tileID,
				"osmId":  featureID,
				"tags":   b.Tags,
			},
			ExtentProperties: map[string]interface{}{
				"osmId": featureID,
			},
		})
	}
	return tc, nil
}
