// Package loader upserts exported feature files into PostGIS.
package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/config"
	"github.com/wegman-software/tilecrawl/internal/parquet"
)

const tempTable = "tilecrawl_load_tmp"

// Pool is the subset of *pgxpool.Pool the loader needs
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options configures a Loader
type Options struct {
	Schema        string
	Table         string
	DropExisting  bool
	CreateIndexes bool
	SRID          int
}

// Stats holds loader statistics
type Stats struct {
	RowsRead   int64
	RowsLoaded int64
}

// Loader loads Parquet exports into one PostGIS table
type Loader struct {
	pool Pool
	opts Options
	log  *zap.Logger
}

// Connect opens a connection pool sized to the configured worker count
func Connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse connection string")
	}
	if cfg.Workers > 0 {
		poolConfig.MaxConns = int32(cfg.Workers)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to PostgreSQL")
	}
	return pool, nil
}

// TableName derives a table name from an object type,
// e.g. "osm-building" becomes "osm_buildings".
func TableName(objectType string) string {
	return strings.ReplaceAll(objectType, "-", "_") + "s"
}

// New creates a loader writing through pool
func New(pool Pool, opts Options, log *zap.Logger) *Loader {
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.SRID == 0 {
		opts.SRID = 4326
	}
	return &Loader{pool: pool, opts: opts, log: log}
}

func (l *Loader) qualified() string {
	return pgx.Identifier{l.opts.Schema, l.opts.Table}.Sanitize()
}

// Load upserts every row of the Parquet file at path. Rows are keyed by
// (kind, external_id) so reloading a newer export replaces older rows.
func (l *Loader) Load(ctx context.Context, path string) (*Stats, error) {
	if l.opts.Table == "" {
		return nil, eris.New("loader: no table name")
	}

	var rows [][]any
	read, err := parquet.Scan(ctx, path, func(r parquet.EncodedRow) error {
		rows = append(rows, []any{r.ExternalID, r.Kind, r.Tile, r.Properties, r.Geometry})
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats := &Stats{RowsRead: read}

	if err := l.prepare(ctx); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		loaded, err := l.upsert(ctx, rows)
		if err != nil {
			return nil, err
		}
		stats.RowsLoaded = loaded
	}

	if l.opts.CreateIndexes {
		if err := l.createIndexes(ctx); err != nil {
			return nil, err
		}
	}

	l.log.Info("Table loaded",
		zap.String("table", l.opts.Schema+"."+l.opts.Table),
		zap.Int64("rows", stats.RowsLoaded),
	)
	return stats, nil
}

func (l *Loader) prepare(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		return eris.Wrap(err, "failed to create PostGIS extension")
	}
	if l.opts.Schema != "public" {
		sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{l.opts.Schema}.Sanitize())
		if _, err := l.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "failed to create schema %s", l.opts.Schema)
		}
	}
	if l.opts.DropExisting {
		if _, err := l.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", l.qualified())); err != nil {
			return eris.Wrapf(err, "failed to drop %s", l.opts.Table)
		}
	}

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			external_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			tile TEXT NOT NULL,
			properties JSONB NOT NULL,
			geom GEOMETRY(Geometry, %d),
			PRIMARY KEY (kind, external_id)
		)
	`, l.qualified(), l.opts.SRID)
	if _, err := l.pool.Exec(ctx, createSQL); err != nil {
		return eris.Wrapf(err, "failed to create %s", l.opts.Table)
	}
	return nil
}

func (l *Loader) upsert(ctx context.Context, rows [][]any) (int64, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	tmp := pgx.Identifier{tempTable}.Sanitize()
	createTmp := fmt.Sprintf(`
		CREATE TEMP TABLE %s (
			external_id TEXT,
			kind TEXT,
			tile TEXT,
			properties TEXT,
			geom_wkb BYTEA
		) ON COMMIT DROP
	`, tmp)
	if _, err := tx.Exec(ctx, createTmp); err != nil {
		return 0, eris.Wrap(err, "failed to create temp table")
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, parquet.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "COPY into temp table for %s", l.opts.Table)
	}

	// EWKB carries its own SRID
	insertSQL := fmt.Sprintf(`
		INSERT INTO %s (external_id, kind, tile, properties, geom)
		SELECT external_id, kind, tile, properties::jsonb, ST_GeomFromEWKB(geom_wkb)
		FROM %s
		ON CONFLICT (kind, external_id) DO UPDATE SET
			tile = EXCLUDED.tile,
			properties = EXCLUDED.properties,
			geom = EXCLUDED.geom
	`, l.qualified(), tmp)
	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to insert into %s", l.opts.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "failed to commit")
	}
	return tag.RowsAffected(), nil
}

func (l *Loader) createIndexes(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (geom)",
			pgx.Identifier{l.opts.Table + "_geom_idx"}.Sanitize(), l.qualified()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (tile)",
			pgx.Identifier{l.opts.Table + "_tile_idx"}.Sanitize(), l.qualified()),
		fmt.Sprintf("ANALYZE %s", l.qualified()),
	}
	for _, sql := range statements {
		if _, err := l.pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "failed to index %s", l.opts.Table)
		}
	}
	l.log.Debug("Indexes created", zap.String("table", l.opts.Table))
	return nil
}
