package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/tilecrawl/internal/cache"
	"github.com/wegman-software/tilecrawl/internal/config"
	"github.com/wegman-software/tilecrawl/internal/crawl"
	"github.com/wegman-software/tilecrawl/internal/expire"
	"github.com/wegman-software/tilecrawl/internal/logger"
	"github.com/wegman-software/tilecrawl/internal/metrics"
	"github.com/wegman-software/tilecrawl/internal/territory"
	"github.com/wegman-software/tilecrawl/internal/upstream"
)

var (
	territoryPath string
	bboxStr       string
	initialZoom   int
	maxZoom       int
	progressEvery int
	tileListPath  string
	tileListNew   bool
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Crawl a territory tile by tile into the cache",
	Long: `Crawl a territory zoom level by zoom level. Tiles whose answer was
truncated are split into their four children at the next zoom; complete
tiles are final. Cached tiles are never requested again, so rerunning an
interrupted crawl picks up where it stopped.

The territory is a GeoJSON file (--territory) or a bounding box (--bbox).
Zoom defaults depend on the source.`,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.PersistentFlags().StringVarP(&territoryPath, "territory", "t", "", "GeoJSON file with the territory polygon(s)")
	crawlCmd.PersistentFlags().StringVarP(&bboxStr, "bbox", "b", "", "Territory bounding box: minlon,minlat,maxlon,maxlat")
	crawlCmd.PersistentFlags().IntVar(&initialZoom, "initial-zoom", -1, "First zoom level (default depends on source)")
	crawlCmd.PersistentFlags().IntVar(&maxZoom, "max-zoom", -1, "Last zoom level allowed to split into (default depends on source)")
	crawlCmd.PersistentFlags().IntVar(&progressEvery, "progress-every", 100, "Log progress every N tiles")
	crawlCmd.PersistentFlags().StringVar(&tileListPath, "tile-list", "", "Write every finished tile to this file as z/x/y lines")
	crawlCmd.PersistentFlags().BoolVar(&tileListNew, "tile-list-fetched-only", false, "Leave tiles answered from the cache out of --tile-list")
}

// zoomRange is a source's default crawl depth
type zoomRange struct {
	initial int
	max     int
}

// resolve applies --initial-zoom and --max-zoom over the defaults
func (z zoomRange) resolve() zoomRange {
	if initialZoom >= 0 {
		z.initial = initialZoom
	}
	if maxZoom >= 0 {
		z.max = maxZoom
	}
	return z
}

func loadTerritory() (*territory.Extent, error) {
	switch {
	case territoryPath != "" && bboxStr != "":
		return nil, eris.New("--territory and --bbox are mutually exclusive")
	case territoryPath != "":
		return territory.Load(territoryPath)
	case bboxStr != "":
		b, err := config.ParseBBox(bboxStr)
		if err != nil {
			return nil, err
		}
		return territory.FromBound(b), nil
	default:
		return nil, eris.New("a territory is required (--territory or --bbox)")
	}
}

func newClient(rps float64) *upstream.Client {
	tlsConfig, err := upstream.TLSConfig(cfg.HTTP.CAFile, cfg.HTTP.InsecureSkipVerify)
	if err != nil {
		exitWithError("failed to configure TLS", err)
	}
	if cfg.HTTP.InsecureSkipVerify {
		logger.Get().Warn("TLS certificate verification is disabled")
	}
	return upstream.New(upstream.Options{
		UserAgent:         cfg.HTTP.UserAgent,
		Timeout:           cfg.HTTP.Timeout,
		RetryMax:          cfg.HTTP.RetryMax,
		RetryWaitMin:      cfg.HTTP.RetryWaitMin,
		RetryWaitMax:      cfg.HTTP.RetryWaitMax,
		RequestsPerSecond: rps,
		TLS:               tlsConfig,
	}, logger.Get().Named("http"))
}

// runCrawl drives fetcher over the territory with logging, progress,
// Prometheus and system metrics attached. SIGINT and SIGTERM stop the
// crawl between tiles.
func runCrawl(source string, zooms zoomRange, fetcher crawl.Fetcher) {
	log := logger.Get()

	area, err := loadTerritory()
	if err != nil {
		exitWithError("invalid territory", err)
	}

	reg := prometheus.NewRegistry()
	counters, err := metrics.NewCrawlCounters(reg, source)
	if err != nil {
		exitWithError("failed to register metrics", err)
	}
	progress := crawl.NewProgressTracker(log, progressEvery)
	sinks := crawl.MultiSink{crawl.NewLogSink(log), progress, counters}
	var tiles *expire.Tracker
	if tileListPath != "" {
		tiles = expire.NewTracker(tileListNew)
		sinks = append(sinks, tiles)
	}
	sched := crawl.NewScheduler(sinks)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("Starting crawl",
		zap.String("source", source),
		zap.String("cache_dir", cfg.CacheDir),
		zap.Int("initial_zoom", zooms.initial),
		zap.Int("max_zoom", zooms.max),
		zap.Any("bbox", area.Bound()),
	)

	var summary *crawl.Summary
	g, gctx := errgroup.WithContext(runCtx)

	collector := metrics.NewCollector(cfg.MetricsInterval, cfg.CacheDir, log)
	g.Go(func() error {
		return collector.Start(gctx)
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrapf(err, "metrics server on %s", cfg.MetricsAddr)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		log.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	g.Go(func() error {
		// Finishing the crawl stops the collector and metrics server
		defer cancel()
		s, err := sched.Run(gctx, area, zooms.initial, zooms.max, fetcher)
		summary = s
		return err
	})

	err = g.Wait()
	if tiles != nil {
		// Partial lists are still useful after an interrupted run
		if werr := tiles.WriteToFile(tileListPath, log); werr != nil {
			log.Error("Failed to write tile list", zap.Error(werr))
		}
	}
	if summary != nil {
		log.Info("Crawl summary",
			zap.String("source", source),
			zap.Int("processed", summary.Processed),
			zap.Int("fetched", summary.Fetched),
			zap.Int("cache_hits", summary.CacheHits),
			zap.Int("splits", summary.Splits),
			zap.Int("skipped", summary.Skipped),
			zap.Int("stuck", summary.Stuck),
			zap.Duration("elapsed", summary.Elapsed.Round(time.Second)),
		)
	}
	if err != nil {
		if ctx.Err() != nil {
			exitWithError("crawl interrupted, rerun to resume from the cache", err)
		}
		exitWithError("crawl failed", err)
	}
	log.Info("Crawl complete", zap.String("source", source))
}

func openStore() *cache.Store {
	return cache.New(cfg.CacheDir)
}
