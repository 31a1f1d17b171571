package parquet

import (
	"context"
	"os"
	"strings"

	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet/file"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/rotisserie/eris"
)

// EncodedRow is a row as stored on disk: properties as JSON text and
// geometry as EWKB.
type EncodedRow struct {
	ExternalID string
	Kind       string
	Tile       string
	Properties string
	Geometry   []byte
}

// Scan calls fn for every row of the file at path, in file order
func Scan(ctx context.Context, path string, fn func(EncodedRow) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	pf, err := file.NewParquetReader(f)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to read parquet footer of %s", path)
	}
	defer pf.Close()

	reader, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return 0, eris.Wrap(err, "failed to create arrow reader")
	}

	tbl, err := reader.ReadTable(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to read %s", path)
	}
	defer tbl.Release()

	if int(tbl.NumCols()) != len(Columns) {
		return 0, eris.Errorf("%s has %d columns, expected %d", path, tbl.NumCols(), len(Columns))
	}
	for i, name := range Columns {
		if got := tbl.Schema().Field(i).Name; got != name {
			return 0, eris.Errorf("%s column %d is %q, expected %q", path, i, got, name)
		}
	}

	ids := tbl.Column(0).Data()
	kinds := tbl.Column(1).Data()
	tiles := tbl.Column(2).Data()
	props := tbl.Column(3).Data()
	geoms := tbl.Column(4).Data()

	var count int64
	for c := 0; c < len(ids.Chunks()); c++ {
		idChunk, ok := ids.Chunk(c).(*array.String)
		if !ok {
			return count, eris.Errorf("%s: unexpected external_id column type %s", path, ids.DataType())
		}
		kindChunk := kinds.Chunk(c).(*array.String)
		tileChunk := tiles.Chunk(c).(*array.String)
		propChunk := props.Chunk(c).(*array.String)
		geomChunk, ok := geoms.Chunk(c).(*array.Binary)
		if !ok {
			return count, eris.Errorf("%s: unexpected geom_wkb column type %s", path, geoms.DataType())
		}

		for i := 0; i < idChunk.Len(); i++ {
			if err := ctx.Err(); err != nil {
				return count, err
			}
			// Values alias arrow buffers released with the table
			if err := fn(EncodedRow{
				ExternalID: strings.Clone(idChunk.Value(i)),
				Kind:       strings.Clone(kindChunk.Value(i)),
				Tile:       strings.Clone(tileChunk.Value(i)),
				Properties: strings.Clone(propChunk.Value(i)),
				Geometry:   append([]byte(nil), geomChunk.Value(i)...),
			}); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}
