package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/combine"
	"github.com/wegman-software/tilecrawl/internal/flex"
	"github.com/wegman-software/tilecrawl/internal/loader"
	"github.com/wegman-software/tilecrawl/internal/logger"
	"github.com/wegman-software/tilecrawl/internal/parquet"
	"github.com/wegman-software/tilecrawl/internal/proj"
	"github.com/wegman-software/tilecrawl/internal/source/osmbuildings"
	"github.com/wegman-software/tilecrawl/internal/source/rosreestr"
	"github.com/wegman-software/tilecrawl/internal/source/wikimapia"
)

var (
	policyStr     string
	parquetPath   string
	luaFile       string
	loadDB        bool
	projectionStr string
	dropExisting  bool
	createIndexes bool
	tableName     string
)

var combineCmd = &cobra.Command{
	Use:   "combine <rosreestr|wikimapia|osm-buildings>",
	Short: "Merge cached tiles into deduplicated GeoJSON",
	Long: `Read every cached tile of a source, skip tiles that still need
splitting, and merge the rest into one feature set deduplicated by external
id. Writes centers.geojson, extents.geojson and tile-coverage.geojson to
<cache-dir>/<object type>s/combined/.

Optionally:
  --parquet  also write the features as Parquet with EWKB geometry
  --lua      filter and edit exported features with process_feature(f)
  --load     upsert the exported features into PostGIS`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"rosreestr", "wikimapia", "osm-buildings"},
	Run:       runCombine,
}

func init() {
	rootCmd.AddCommand(combineCmd)

	combineCmd.Flags().StringVar(&objectTypeStr, "object-type", string(rosreestr.CCO), "Cadastral object type for rosreestr: cco or lot")
	combineCmd.Flags().StringVar(&policyStr, "policy", "", "Duplicate policy: first-wins, last-wins or strict (default from config)")
	combineCmd.Flags().StringVar(&parquetPath, "parquet", "", "Write exported features to this Parquet file")
	combineCmd.Flags().StringVar(&luaFile, "lua", "", "Lua script defining process_feature(f) applied to exported features")
	combineCmd.Flags().BoolVar(&loadDB, "load", false, "Load exported features into PostGIS")
	combineCmd.Flags().StringVarP(&projectionStr, "projection", "E", "4326", "Target projection SRID for exports (4326 or 3857)")
	combineCmd.Flags().StringVar(&tableName, "table", "", "Target table (default derived from the object type)")
	combineCmd.Flags().BoolVar(&dropExisting, "drop-existing", false, "Drop the target table before loading")
	combineCmd.Flags().BoolVar(&createIndexes, "create-indexes", true, "Create spatial indexes after loading")
}

func decoderFor(name string) (combine.Decoder, error) {
	switch name {
	case "rosreestr":
		ot, err := rosreestr.ParseObjectType(objectTypeStr)
		if err != nil {
			return nil, err
		}
		return rosreestr.NewDecoder(ot, logger.Get().Named("rosreestr")), nil
	case "wikimapia":
		return wikimapia.NewDecoder(logger.Get().Named("wikimapia")), nil
	case "osm-buildings":
		return osmbuildings.NewDecoder(), nil
	default:
		return nil, eris.Errorf("unknown source %q (expected rosreestr, wikimapia or osm-buildings)", name)
	}
}

func runCombine(cmd *cobra.Command, args []string) {
	log := logger.Get()

	d, err := decoderFor(args[0])
	if err != nil {
		exitWithError("invalid source", err)
	}
	if policyStr == "" {
		policyStr = cfg.Policy
	}
	policy, err := combine.ParsePolicy(policyStr)
	if err != nil {
		exitWithError("invalid policy", err)
	}
	srid, err := proj.ParseSRID(projectionStr)
	if err != nil {
		exitWithError("invalid projection", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	store := openStore()
	res, err := combine.New(store, combine.Options{Workers: cfg.Workers, Policy: policy}, log).Combine(ctx, d)
	if err != nil {
		exitWithError("combine failed", err)
	}

	outDir := store.OutputDir(d.ObjectType())
	if err := res.WriteAll(outDir); err != nil {
		exitWithError("failed to write combined output", err)
	}
	log.Info("Combine complete",
		zap.String("output_dir", outDir),
		zap.Int("centers", res.Stats.Centers),
		zap.Int("extents", res.Stats.Extents),
		zap.Int("duplicates_removed", res.Stats.Removed()),
		zap.Int("divergent", res.Stats.Divergent),
		zap.Int("id_mismatches", res.Stats.IDMismatches),
		zap.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)

	if parquetPath == "" && !loadDB {
		if luaFile != "" {
			log.Warn("--lua only applies to --parquet and --load exports")
		}
		return
	}

	rows := parquet.ResultRows(res)
	if luaFile != "" {
		rows, err = filterRows(ctx, rows)
		if err != nil {
			exitWithError("Lua filter failed", err)
		}
	}

	path := parquetPath
	if path == "" {
		path = filepath.Join(outDir, parquet.FileName)
	}
	n, err := parquet.WriteRows(path, rows, parquet.Options{SRID: srid})
	if err != nil {
		exitWithError("parquet export failed", err)
	}
	log.Info("Parquet written", zap.String("path", path), zap.Int64("rows", n), zap.Int("srid", srid))

	if !loadDB {
		return
	}
	pool, err := loader.Connect(ctx, cfg)
	if err != nil {
		exitWithError("failed to connect", err)
	}
	defer pool.Close()

	table := tableName
	if table == "" {
		table = loader.TableName(d.ObjectType())
	}
	ldr := loader.New(pool, loader.Options{
		Schema:        cfg.DB.Schema,
		Table:         table,
		DropExisting:  dropExisting,
		CreateIndexes: createIndexes,
		SRID:          srid,
	}, log)

	loadStart := time.Now()
	stats, err := ldr.Load(ctx, path)
	if err != nil {
		exitWithError("load failed", err)
	}
	elapsed := time.Since(loadStart)
	log.Info("Load complete",
		zap.String("database", cfg.DB.Name),
		zap.String("table", cfg.DB.Schema+"."+table),
		zap.Int64("rows", stats.RowsLoaded),
		zap.Duration("duration", elapsed.Round(time.Millisecond)),
		zap.Float64("throughput_rows_s", float64(stats.RowsLoaded)/elapsed.Seconds()),
	)
}

// filterRows runs the --lua script over rows, keeping order
func filterRows(ctx context.Context, rows []parquet.Row) ([]parquet.Row, error) {
	pool, err := flex.NewPool(luaFile, cfg.Workers, logger.Get().Named("lua"))
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	features := make([]flex.Feature, len(rows))
	byKey := make(map[[2]string]parquet.Row, len(rows))
	for i, r := range rows {
		features[i] = flex.Feature{ID: r.ExternalID, Kind: r.Kind, Properties: r.Properties}
		byKey[[2]string{r.Kind, r.ExternalID}] = r
	}

	kept, stats, err := pool.Filter(ctx, features)
	if err != nil {
		return nil, err
	}

	out := make([]parquet.Row, 0, len(kept))
	for _, f := range kept {
		r := byKey[[2]string{f.Kind, f.ID}]
		r.Properties = f.Properties
		out = append(out, r)
	}
	logger.Get().Info("Lua filter applied",
		zap.String("script", luaFile),
		zap.Int("kept", stats.Kept),
		zap.Int("dropped", stats.Dropped),
	)
	return out, nil
}
