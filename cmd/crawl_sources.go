package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wegman-software/tilecrawl/internal/source/osmbuildings"
	"github.com/wegman-software/tilecrawl/internal/source/osmtiles"
	"github.com/wegman-software/tilecrawl/internal/source/rosreestr"
	"github.com/wegman-software/tilecrawl/internal/source/wikimapia"
)

var (
	objectTypeStr string
	markDirty     bool
	tileVersion   string
)

var crawlRosreestrCmd = &cobra.Command{
	Use:   "rosreestr",
	Short: "Crawl the cadastral map",
	Long: `Crawl cadastral objects. The API returns at most 40 objects per query,
so a tile answering with 38 or more is split.

Default zooms: cco 13..20, lot 13..24.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ot, err := rosreestr.ParseObjectType(objectTypeStr)
		if err != nil {
			exitWithError("invalid object type", err)
		}
		zooms := zoomRange{initial: 13, max: 20}
		if ot == rosreestr.Lot {
			zooms.max = 24
		}

		f, err := rosreestr.NewFetcher(openStore(), newClient(0), ot, rosreestr.Options{
			BaseURL: cfg.Rosreestr.BaseURL,
			Delay:   cfg.Rosreestr.RequestDelay,
		})
		if err != nil {
			exitWithError("failed to create fetcher", err)
		}
		runCrawl("rosreestr-"+string(ot), zooms.resolve(), f)
	},
}

var crawlWikimapiaCmd = &cobra.Command{
	Use:   "wikimapia",
	Short: "Crawl the wikimapia KML feed",
	Long: `Crawl wikimapia placemarks. A tile holding 100 or more placemarks is
assumed truncated and split.

Default zooms come from wikimapia.initial_zoom and wikimapia.max_zoom.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		zooms := zoomRange{initial: cfg.Wikimapia.InitialZoom, max: cfg.Wikimapia.MaxZoom}
		f, err := wikimapia.NewFetcher(openStore(), newClient(0), wikimapia.Options{
			BaseURL: cfg.Wikimapia.BaseURL,
			Timeout: cfg.Wikimapia.Timeout,
			Delay:   cfg.Wikimapia.RequestDelay,
		})
		if err != nil {
			exitWithError("failed to create fetcher", err)
		}
		runCrawl(wikimapia.ObjectType, zooms.resolve(), f)
	},
}

var crawlOSMTilesCmd = &cobra.Command{
	Use:   "osm-tiles",
	Short: "Download OpenStreetMap raster tiles",
	Long: `Download raster tiles for every zoom up to the maximum into
<cache-dir>/osm-tiles/<version>/. With --mark-dirty, ask the tile server to
re-render the tiles instead.

Default zooms: 0..17, or 10..17 with --mark-dirty.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		zooms := zoomRange{initial: 0, max: 17}
		if markDirty {
			zooms.initial = 10
		}
		zooms = zooms.resolve()

		version := cfg.OSMTiles.Version
		if cmd.Flags().Changed("tile-version") {
			version = tileVersion
		}
		f, err := osmtiles.NewFetcher(openStore(), newClient(cfg.OSMTiles.RequestsPerSecond), osmtiles.Options{
			BaseURL:   cfg.OSMTiles.BaseURL,
			Version:   version,
			MaxZoom:   zooms.max,
			MarkDirty: markDirty,
		})
		if err != nil {
			exitWithError("failed to create fetcher", err)
		}
		runCrawl(osmtiles.Namespace, zooms, f)
	},
}

var crawlOSMBuildingsCmd = &cobra.Command{
	Use:   "osm-buildings",
	Short: "Crawl building ways from the OpenStreetMap editing API",
	Long: `Crawl buildings through the map call. Areas the API refuses as too
large are split.

Default zooms: 14..19.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		f, err := osmbuildings.NewFetcher(openStore(), newClient(0), osmbuildings.Options{
			BaseURL: cfg.OSMBuildings.BaseURL,
			Delay:   cfg.OSMBuildings.RequestDelay,
		})
		if err != nil {
			exitWithError("failed to create fetcher", err)
		}
		runCrawl(osmbuildings.ObjectType, zoomRange{initial: 14, max: 19}.resolve(), f)
	},
}

func init() {
	crawlRosreestrCmd.Flags().StringVar(&objectTypeStr, "object-type", string(rosreestr.CCO), "Cadastral object type: cco or lot")
	crawlOSMTilesCmd.Flags().BoolVar(&markDirty, "mark-dirty", false, "Request re-rendering instead of downloading")
	crawlOSMTilesCmd.Flags().StringVar(&tileVersion, "tile-version", "", "Subdirectory for this download (overrides osm_tiles.version)")

	crawlCmd.AddCommand(crawlRosreestrCmd, crawlWikimapiaCmd, crawlOSMTilesCmd, crawlOSMBuildingsCmd)
}
