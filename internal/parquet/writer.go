// Package parquet exports combined features as GeoParquet-style files with
// EWKB geometry, for bulk loading into PostGIS or analytics engines.
package parquet

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/orb"
	"github.com/rotisserie/eris"

	"github.com/wegman-software/tilecrawl/internal/proj"
	"github.com/wegman-software/tilecrawl/internal/wkb"
)

// Row kinds
const (
	KindCenter   = "center"
	KindExtent   = "extent"
	KindCoverage = "coverage"
)

// Columns in file order
var Columns = []string{"external_id", "kind", "tile", "properties", "geom_wkb"}

// DefaultBatchSize is the number of rows buffered per record batch
const DefaultBatchSize = 10000

// Row is one exported feature
type Row struct {
	ExternalID string
	Kind       string
	Tile       string
	Properties map[string]interface{}
	Geometry   orb.Geometry
}

// Options configures a FeatureWriter
type Options struct {
	BatchSize int
	// SRID of the written geometries; 0 means 4326
	SRID int
}

func schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "external_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "kind", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "tile", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "properties", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: false},
	}, nil)
}

// FeatureWriter writes rows to a zstd-compressed Parquet file
type FeatureWriter struct {
	path      string
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	encoder   *wkb.Encoder
	transform *proj.Transformer
	batchSize int
	pending   int
	written   int64
}

// NewFeatureWriter creates path and prepares it for writing
func NewFeatureWriter(path string, opts Options) (*FeatureWriter, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SRID == 0 {
		opts.SRID = proj.SRID4326
	}
	transform, err := proj.NewTransformer(proj.SRID4326, opts.SRID)
	if err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", path)
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)
	sc := schema()
	writer, err := pqarrow.NewFileWriter(sc, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, eris.Wrap(err, "failed to create parquet writer")
	}

	return &FeatureWriter{
		path:      path,
		file:      f,
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, sc),
		encoder:   wkb.NewEncoderWithSRID(256, opts.SRID),
		transform: transform,
		batchSize: opts.BatchSize,
	}, nil
}

// Write appends one row
func (w *FeatureWriter) Write(r Row) error {
	geom, err := w.encoder.Encode(w.transform.Geometry(r.Geometry))
	if err != nil {
		return eris.Wrapf(err, "failed to encode geometry of %s %s", r.Kind, r.ExternalID)
	}
	props := r.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return eris.Wrapf(err, "failed to encode properties of %s %s", r.Kind, r.ExternalID)
	}

	w.builder.Field(0).(*array.StringBuilder).Append(r.ExternalID)
	w.builder.Field(1).(*array.StringBuilder).Append(r.Kind)
	w.builder.Field(2).(*array.StringBuilder).Append(r.Tile)
	w.builder.Field(3).(*array.StringBuilder).Append(string(propsJSON))
	// Append copies, so the encoder buffer can be reused
	w.builder.Field(4).(*array.BinaryBuilder).Append(geom)

	w.pending++
	w.written++
	if w.pending >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Written returns the number of rows accepted so far
func (w *FeatureWriter) Written() int64 {
	return w.written
}

func (w *FeatureWriter) flush() error {
	if w.pending == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	w.pending = 0
	if err := w.writer.Write(rec); err != nil {
		return eris.Wrapf(err, "failed to write batch to %s", w.path)
	}
	return nil
}

// Close flushes buffered rows and closes the file
func (w *FeatureWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.writer.Close()
		w.file.Close()
		return err
	}
	if err := w.writer.Close(); err != nil {
		return eris.Wrapf(err, "failed to close %s", w.path)
	}
	// The parquet writer may already have closed the sink
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return eris.Wrapf(err, "failed to close %s", w.path)
	}
	return nil
}

// WriteRows writes rows to a new file at path. On any error the partial
// file is removed.
func WriteRows(path string, rows []Row, opts Options) (int64, error) {
	w, err := NewFeatureWriter(path, opts)
	if err != nil {
		return 0, err
	}
	return writeRows(w, rows)
}

func writeRows(w *FeatureWriter, rows []Row) (int64, error) {
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			w.Close()
			os.Remove(w.path)
			return 0, err
		}
	}
	if err := w.Close(); err != nil {
		os.Remove(w.path)
		return 0, err
	}
	return w.Written(), nil
}
