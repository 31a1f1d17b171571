package loader

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/parquet"
)

func writeExport(t *testing.T, rows []parquet.Row) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), parquet.FileName)
	_, err := parquet.WriteRows(path, rows, parquet.Options{})
	require.NoError(t, err)
	return path
}

func sampleRows() []parquet.Row {
	return []parquet.Row{
		{ExternalID: "wm1", Kind: parquet.KindCenter, Tile: "16/1/1", Geometry: orb.Point{1, 2}},
		{ExternalID: "wm1", Kind: parquet.KindExtent, Tile: "16/1/1", Geometry: orb.Bound{Max: orb.Point{1, 1}}.ToPolygon()},
	}
}

func expectUpsert(m pgxmock.PgxPoolIface, n int64) {
	m.ExpectBegin()
	m.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	m.ExpectCopyFrom(pgx.Identifier{tempTable}, parquet.Columns).WillReturnResult(n)
	m.ExpectExec("INSERT INTO").WillReturnResult(pgxmock.NewResult("INSERT", n))
	m.ExpectCommit()
}

func TestLoad(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeExport(t, sampleRows())

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS postgis").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS "crawl"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "crawl"."wikimapias"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	expectUpsert(mock, 2)
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("ANALYZE").WillReturnResult(pgxmock.NewResult("ANALYZE", 0))

	l := New(mock, Options{Schema: "crawl", Table: TableName("wikimapia"), CreateIndexes: true}, zap.NewNop())
	stats, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.RowsRead)
	assert.EqualValues(t, 2, stats.RowsLoaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadDropsExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeExport(t, sampleRows())

	mock.ExpectExec("CREATE EXTENSION").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`DROP TABLE IF EXISTS "public"."osm_buildings" CASCADE`).WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	expectUpsert(mock, 2)

	l := New(mock, Options{Table: TableName("osm-building"), DropExisting: true}, zap.NewNop())
	_, err = l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEmptyExportSkipsCopy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeExport(t, nil)

	mock.ExpectExec("CREATE EXTENSION").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	stats, err := New(mock, Options{Table: "things"}, zap.NewNop()).Load(context.Background(), path)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.RowsLoaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadInsertFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	path := writeExport(t, sampleRows())

	mock.ExpectExec("CREATE EXTENSION").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{tempTable}, parquet.Columns).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("constraint violated"))
	mock.ExpectRollback()

	_, err = New(mock, Options{Table: "things"}, zap.NewNop()).Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert into things")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRequiresTable(t *testing.T) {
	_, err := New(nil, Options{}, zap.NewNop()).Load(context.Background(), "unused")
	assert.Error(t, err)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "osm_buildings", TableName("osm-building"))
	assert.Equal(t, "rosreestr_parcels", TableName("rosreestr_parcel"))
}
