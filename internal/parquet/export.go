package parquet

import (
	"time"

	"github.com/wegman-software/tilecrawl/internal/combine"
)

// File name used for exports next to the GeoJSON outputs
const FileName = "features.parquet"

// ResultRows flattens a combine result into centers, extents and coverage
// rows, keeping the result's order within each kind.
func ResultRows(res *combine.Result) []Row {
	rows := make([]Row, 0, len(res.Centers)+len(res.Extents)+len(res.Coverage))
	for _, r := range res.Centers {
		rows = append(rows, recordRow(KindCenter, r))
	}
	for _, r := range res.Extents {
		rows = append(rows, recordRow(KindExtent, r))
	}
	for _, c := range res.Coverage {
		rows = append(rows, Row{
			ExternalID: c.Tile.String(),
			Kind:       KindCoverage,
			Tile:       c.Tile.String(),
			Properties: map[string]interface{}{
				"fetchedAt":           c.FetchedAt.UTC().Format(time.RFC3339),
				"fetchedFeatureCount": c.FeatureCount,
			},
			Geometry: c.Extent,
		})
	}
	return rows
}

func recordRow(kind string, r combine.Record) Row {
	return Row{
		ExternalID: r.ExternalID,
		Kind:       kind,
		Tile:       r.Tile.String(),
		Properties: r.Properties,
		Geometry:   r.Geometry,
	}
}
