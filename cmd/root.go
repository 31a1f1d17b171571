package cmd

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/tilecrawl/internal/config"
	"github.com/wegman-software/tilecrawl/internal/logger"
)

var (
	cfg             = config.DefaultConfig()
	configPath      string
	verbose         bool
	logFile         string
	cacheDir        string
	workers         int
	metricsInterval time.Duration
	metricsAddr     string
)

var rootCmd = &cobra.Command{
	Use:   "tilecrawl",
	Short: "Quad-tree tile crawler for paginated geospatial APIs",
	Long: `tilecrawl covers a territory with map tiles, queries an upstream API per
tile and splits any tile whose answer was truncated, until every part of the
territory is served completely. Every answer is cached on disk, so an
interrupted crawl resumes without repeating requests.

The combine command then merges the overlapping tile answers into
deduplicated GeoJSON, with optional Parquet export and PostGIS load.

Sources:
  - rosreestr      cadastral map (capital construction objects, land lots)
  - wikimapia      KML placemark feed
  - osm-tiles      OpenStreetMap raster tiles
  - osm-buildings  OpenStreetMap editing API, building ways`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded

		flags := cmd.Flags()
		if flags.Changed("verbose") {
			cfg.Verbose = verbose
		}
		if flags.Changed("log-file") {
			cfg.LogFile = logFile
		}
		if flags.Changed("cache-dir") {
			cfg.CacheDir = cacheDir
		}
		if flags.Changed("workers") {
			cfg.Workers = workers
		}
		if flags.Changed("metrics-interval") {
			cfg.MetricsInterval = metricsInterval
		}
		if flags.Changed("metrics-addr") {
			cfg.MetricsAddr = metricsAddr
		}

		logger.Init(logger.Options{
			Debug:      cfg.Verbose,
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})

		return cfg.Validate()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaults := config.DefaultConfig()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ./tilecrawl.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", defaults.CacheDir, "Root directory of the tile cache")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "j", defaults.Workers, "Number of parallel workers for combine and export")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", defaults.MetricsInterval, "Interval for system metrics logging (e.g., 10s, 1m)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during crawls (e.g., :9090)")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	logger.Sync()
	os.Exit(1)
}
