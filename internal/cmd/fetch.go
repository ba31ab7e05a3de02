package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/cachebin/mbtilescache"
	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/MeKo-Tech/osgcore/internal/raster"
	"github.com/MeKo-Tech/osgcore/internal/tile"
	"github.com/MeKo-Tech/osgcore/internal/tilepipeline"
	"github.com/MeKo-Tech/osgcore/internal/worker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Pre-render a bounding box across a zoom range and store the tiles in a cache",
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().String("bbox", "", "Bounding box as minLon,minLat,maxLon,maxLat (required)")
	fetchCmd.Flags().Int("min-zoom", 10, "Minimum zoom level")
	fetchCmd.Flags().Int("max-zoom", 14, "Maximum zoom level")
	fetchCmd.Flags().Int("tile-size", 256, "Tile size in pixels")
	fetchCmd.Flags().Int("workers", 4, "Number of parallel render workers")
	fetchCmd.Flags().Int("overpass-workers", 4, "Number of parallel Overpass API requests")
	fetchCmd.Flags().String("cache-dir", "./tiles", "Directory for the mbtiles cache that receives rendered tiles")
	fetchCmd.Flags().Bool("quiet", false, "Suppress the progress bar")

	mustBind := func(key, name string) {
		if err := viper.BindPFlag(key, fetchCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("fetch.bbox", "bbox")
	mustBind("fetch.min_zoom", "min-zoom")
	mustBind("fetch.max_zoom", "max-zoom")
	mustBind("fetch.tile_size", "tile-size")
	mustBind("fetch.workers", "workers")
	mustBind("fetch.overpass_workers", "overpass-workers")
	mustBind("fetch.cache_dir", "cache-dir")
	mustBind("fetch.quiet", "quiet")
}

// binGenerator renders a tile through a RasterPipeline and writes the
// encoded PNG into a cache bin, satisfying worker.Generator.
type binGenerator struct {
	pipeline *tilepipeline.RasterPipeline
	bin      cachebin.Bin
	tileSize int
}

func (g *binGenerator) Generate(ctx context.Context, coords tile.Coords, force bool, suffix string) (string, error) {
	key := fmt.Sprintf("%d/%d/%d/%d", g.tileSize, coords.Z, coords.X, coords.Y)

	if !force {
		if entry, err := g.bin.ReadMetadata(key); err == nil && entry.Status == cachebin.StatusOK {
			return key, nil
		}
	}

	img, err := g.pipeline.Render(ctx, tilepipeline.Key{Level: int(coords.Z), X: int(coords.X), Y: int(coords.Y)})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode tile png: %w", err)
	}

	meta := config.New("metadata")
	meta.Set("content-type", "image/png")
	if err := g.bin.Write(key, buf.Bytes(), meta); err != nil {
		return "", err
	}
	return key, nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	bboxStr := viper.GetString("fetch.bbox")
	if bboxStr == "" {
		return fmt.Errorf("--bbox is required (minLon,minLat,maxLon,maxLat)")
	}
	box, err := parseBBox(bboxStr)
	if err != nil {
		return err
	}

	minZoom := viper.GetInt("fetch.min_zoom")
	maxZoom := viper.GetInt("fetch.max_zoom")
	if minZoom > maxZoom {
		return fmt.Errorf("min-zoom (%d) must be <= max-zoom (%d)", minZoom, maxZoom)
	}

	tileSize := viper.GetInt("fetch.tile_size")
	renderWorkers := viper.GetInt("fetch.workers")
	overpassWorkers := viper.GetInt("fetch.overpass_workers")
	cacheDir := viper.GetString("fetch.cache_dir")
	quiet := viper.GetBool("fetch.quiet")

	ds := createOverpassDataSource(overpassWorkers, logger)
	rasterPipeline := tilepipeline.NewRasterPipeline(ds, tileSize, raster.DefaultStyleSheet())
	bin := mbtilescache.NewCache(cacheDir, logger).Bin("pre-fetched")

	coords := tile.TilesInBBox([4]float64{box.minLon, box.minLat, box.maxLon, box.maxLat}, minZoom, maxZoom)
	logger.Info("starting batch fetch", "tiles", len(coords), "min_zoom", minZoom, "max_zoom", maxZoom)

	tasks := make([]worker.Task, len(coords))
	for i, c := range coords {
		tasks[i] = worker.Task{Coords: c}
	}

	progress := worker.NewProgress(len(tasks), !quiet)
	pool := worker.New(worker.Config{
		Workers:    renderWorkers,
		Generator:  &binGenerator{pipeline: rasterPipeline, bin: bin, tileSize: tileSize},
		OnProgress: progress.Callback(),
	})

	results := pool.Run(context.Background(), tasks)
	progress.Done()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Warn("failed to render tile", "coords", r.Task.Coords.String(), "error", r.Err)
		}
	}

	logger.Info("batch fetch complete", "completed", len(results)-failed, "failed", failed, "total", len(tasks))
	fmt.Println(progress.Summary())
	return nil
}

type bbox struct {
	minLon, minLat, maxLon, maxLat float64
}

func parseBBox(s string) (bbox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return bbox{}, fmt.Errorf("invalid bbox %q: expected minLon,minLat,maxLon,maxLat", s)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox{}, fmt.Errorf("invalid bbox component %q: %w", p, err)
		}
		vals[i] = v
	}
	return bbox{minLon: vals[0], minLat: vals[1], maxLon: vals[2], maxLat: vals[3]}, nil
}
