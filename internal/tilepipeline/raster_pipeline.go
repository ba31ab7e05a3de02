package tilepipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/MeKo-Tech/osgcore/internal/gpuarena"
	"github.com/MeKo-Tech/osgcore/internal/raster"
	"github.com/MeKo-Tech/osgcore/internal/types"
)

// FeatureSource supplies the vector features covering one tile, such as an
// Overpass-backed datasource.
type FeatureSource interface {
	FetchTileData(ctx context.Context, tile types.TileCoordinate) (*types.TileData, error)
}

// FeatureFilter transforms a tile's feature collection before rasterization
// — simplification, property-driven reclassification, clipping, and so on.
// Filters run in the order they're registered.
type FeatureFilter func(types.FeatureCollection) types.FeatureCollection

// RasterPipeline resolves a Key to vector features via a FeatureSource,
// runs them through a filter chain, and rasterizes the result to the
// pipeline's tile size. Concurrent requests for the same Key are deduped
// through a Keygate exactly like Pipeline's image fetches.
type RasterPipeline struct {
	source   FeatureSource
	filters  []FeatureFilter
	sheet    raster.StyleSheet
	tileSize int
	arena    *gpuarena.Arena
	gate     *Keygate
}

// RasterOption configures a RasterPipeline at construction time.
type RasterOption func(*RasterPipeline)

// WithFilters appends feature filters to the pipeline's chain.
func WithFilters(filters ...FeatureFilter) RasterOption {
	return func(p *RasterPipeline) { p.filters = append(p.filters, filters...) }
}

// WithArena routes rasterization through a shared GPU job arena instead of
// running it inline on the calling goroutine.
func WithArena(a *gpuarena.Arena) RasterOption {
	return func(p *RasterPipeline) { p.arena = a }
}

// NewRasterPipeline constructs a RasterPipeline. sheet may be nil, in which
// case raster.DefaultStyleSheet is used.
func NewRasterPipeline(source FeatureSource, tileSize int, sheet raster.StyleSheet, opts ...RasterOption) *RasterPipeline {
	p := &RasterPipeline{
		source:   source,
		sheet:    sheet,
		tileSize: tileSize,
		gate:     NewKeygate(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Render fetches, filters, and rasterizes the tile at key, deduping
// concurrent callers for the same key through the pipeline's Keygate.
func (p *RasterPipeline) Render(ctx context.Context, key Key) (*image.NRGBA, error) {
	out, err := p.gate.Do(key, func() (any, error) {
		return p.render(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return out.(*image.NRGBA), nil
}

func (p *RasterPipeline) render(ctx context.Context, key Key) (*image.NRGBA, error) {
	tile := types.TileCoordinate{Zoom: key.Level, X: key.X, Y: key.Y, Profile: key.Profile}

	data, err := p.source.FetchTileData(ctx, tile)
	if err != nil {
		return nil, err
	}

	fc := data.Features
	for _, filter := range p.filters {
		fc = filter(fc)
	}

	offsetX := key.X * p.tileSize
	offsetY := key.Y * p.tileSize
	renderer := raster.NewRenderer(key.Level, p.tileSize, p.tileSize, p.tileSize, offsetX, offsetY, p.sheet)

	if p.arena == nil {
		return renderer.Render(fc), nil
	}

	var result *image.NRGBA
	future := p.arena.Dispatch(func(gpuarena.State) {
		result = renderer.Render(fc)
	})
	if ran := future.Wait(); !ran {
		return nil, fmt.Errorf("tilepipeline: raster job for %s abandoned before running", key)
	}
	return result, nil
}
