// Package raster scan-converts a FeatureCollection into a single raster
// tile, styled per feature type, with an antialiasing pass applied
// afterward.
package raster

import (
	"image"
	"image/color"
	"math"

	"github.com/MeKo-Tech/osgcore/internal/types"
	"github.com/disintegration/gift"
	"github.com/paulmach/orb"
	"golang.org/x/image/vector"
)

// Style describes how one feature type is drawn: a fill/stroke color
// and, for line geometries, a zoom-dependent stroke width.
type Style struct {
	Color       color.NRGBA
	StrokeWidth func(zoom int) int
}

// StyleSheet maps a feature type to its Style. Types absent from the
// sheet are skipped entirely.
type StyleSheet map[types.FeatureType]Style

// DefaultStyleSheet reproduces the original per-layer palette and
// zoom-dependent stroke widths, generalized onto types.FeatureType.
func DefaultStyleSheet() StyleSheet {
	return StyleSheet{
		types.FeatureTypeWater: {
			Color:       color.NRGBA{R: 0, G: 0, B: 0, A: 255},
			StrokeWidth: steppedWidth(map[int]int{0: 2, 10: 3, 12: 4, 14: 5, 16: 6}),
		},
		types.FeatureTypePark: {
			Color: color.NRGBA{R: 0, G: 0, B: 0, A: 255},
		},
		types.FeatureTypeBuilding: {
			Color: color.NRGBA{R: 0, G: 0, B: 0, A: 255},
		},
		types.FeatureTypeCivic: {
			Color: color.NRGBA{R: 0, G: 0, B: 0, A: 255},
		},
		types.FeatureTypeLand: {
			Color: color.NRGBA{R: 0, G: 0, B: 0, A: 255},
		},
		types.FeatureTypeRoad: {
			Color:       color.NRGBA{R: 0, G: 0, B: 0, A: 255},
			StrokeWidth: roadStrokeWidth,
		},
	}
}

// steppedWidth builds a zoom -> width lookup from a sparse threshold
// table (key = minimum zoom for that width).
func steppedWidth(thresholds map[int]int) func(zoom int) int {
	return func(zoom int) int {
		width := 1
		best := -1
		for z, w := range thresholds {
			if z <= zoom && z > best {
				best, width = z, w
			}
		}
		return width
	}
}

// roadStrokeWidth mirrors the original highway-vs-residential-road
// width table; since this spec's FeatureCollection doesn't split roads
// from highways, the zoom-only component of that table is kept directly
// and highway classification is left to a FeatureFilter upstream that
// can widen specific features by tagging them before they reach the
// renderer.
func roadStrokeWidth(zoom int) int {
	switch {
	case zoom <= 11:
		return 1
	case zoom <= 13:
		return 2
	case zoom <= 15:
		return 2
	default:
		return 3
	}
}

// IsMajorHighway reports whether a road feature's "highway" tag should
// be treated as a major road at the given zoom: none up to z7, motorway/
// trunk up to z9, plus primary up to z11, plus secondary up to z14, plus
// tertiary above that. These tiers are independent of roadStrokeWidth's
// thresholds. Exposed so a
// tilepipeline.FeatureFilter can reclassify or drop minor roads before
// rendering.
func IsMajorHighway(f *types.Feature, zoom int) bool {
	if f == nil || f.Properties == nil {
		return false
	}
	hw, _ := f.Properties["highway"].(string)
	if zoom <= 7 {
		return false
	}
	tiers := [][]string{
		{"motorway", "motorway_link", "trunk", "trunk_link"},
		{"primary", "primary_link"},
		{"secondary", "secondary_link"},
		{"tertiary", "tertiary_link"},
	}
	allowed := 1
	switch {
	case zoom <= 9:
		allowed = 1
	case zoom <= 11:
		allowed = 2
	case zoom <= 14:
		allowed = 3
	default:
		allowed = 4
	}
	for i := 0; i < allowed; i++ {
		for _, v := range tiers[i] {
			if hw == v {
				return true
			}
		}
	}
	return false
}

// Renderer rasterizes features onto a fixed pixel canvas, mapping
// lon/lat to local pixel coordinates via Web Mercator at a given zoom.
type Renderer struct {
	zoom     int
	tileSize int
	offsetX  int // global pixel space
	offsetY  int // global pixel space
	canvasW  int
	canvasH  int
	sheet    StyleSheet
}

// NewRenderer creates a renderer that maps lon/lat to a pixel canvas.
// offsetX/offsetY are the top-left pixel of the canvas in global pixel
// coordinates at the given zoom.
func NewRenderer(zoom, tileSize, canvasW, canvasH, offsetX, offsetY int, sheet StyleSheet) *Renderer {
	if sheet == nil {
		sheet = DefaultStyleSheet()
	}
	return &Renderer{
		zoom:     zoom,
		tileSize: tileSize,
		offsetX:  offsetX,
		offsetY:  offsetY,
		canvasW:  canvasW,
		canvasH:  canvasH,
		sheet:    sheet,
	}
}

// Render composites every styled feature type in fc onto one canvas and
// applies a light antialiasing pass.
func (r *Renderer) Render(fc types.FeatureCollection) *image.NRGBA {
	canvas := image.NewNRGBA(image.Rect(0, 0, r.canvasW, r.canvasH))

	r.renderGroup(canvas, fc.Water, types.FeatureTypeWater)
	r.renderGroup(canvas, fc.Parks, types.FeatureTypePark)
	r.renderGroup(canvas, fc.Land, types.FeatureTypeLand)
	r.renderGroup(canvas, fc.Buildings, types.FeatureTypeBuilding)
	r.renderGroup(canvas, fc.Civic, types.FeatureTypeCivic)
	r.renderGroup(canvas, fc.Roads, types.FeatureTypeRoad)

	return r.antialias(canvas)
}

// antialias runs a small-radius Gaussian blur over the scan-converted
// canvas, softening the hard edges vector.Rasterizer otherwise produces.
func (r *Renderer) antialias(canvas *image.NRGBA) *image.NRGBA {
	g := gift.New(gift.GaussianBlur(0.6))
	out := image.NewNRGBA(g.Bounds(canvas.Bounds()))
	g.Draw(out, canvas)
	return out
}

func (r *Renderer) renderGroup(dst *image.NRGBA, features []types.Feature, ft types.FeatureType) {
	style, ok := r.sheet[ft]
	if !ok {
		return
	}
	width := 3
	if style.StrokeWidth != nil {
		width = style.StrokeWidth(r.zoom)
	}
	for i := range features {
		r.renderFeature(dst, &features[i], style.Color, width)
	}
}

func (r *Renderer) renderFeature(dst *image.NRGBA, f *types.Feature, fillColor color.NRGBA, strokeWidth int) {
	if f == nil {
		return
	}

	switch g := f.Geometry.(type) {
	case orb.Polygon:
		r.fillPolygon(dst, g, fillColor)
	case orb.MultiPolygon:
		for _, p := range g {
			r.fillPolygon(dst, p, fillColor)
		}
	case orb.Ring:
		r.fillPolygon(dst, orb.Polygon{g}, fillColor)
	case orb.LineString:
		r.strokeLineString(dst, g, strokeWidth, fillColor)
	case orb.MultiLineString:
		for _, ls := range g {
			r.strokeLineString(dst, ls, strokeWidth, fillColor)
		}
	default:
		// ignore points/unknown geometries (e.g. relation placeholders)
	}
}

func (r *Renderer) fillPolygon(dst *image.NRGBA, poly orb.Polygon, fillColor color.NRGBA) {
	if len(poly) == 0 {
		return
	}

	ras := vector.NewRasterizer(r.canvasW, r.canvasH)

	for _, ring := range poly {
		if len(ring) < 3 {
			continue
		}
		first := true
		for _, pt := range ring {
			x, y := r.lonLatToLocalPx(pt[0], pt[1])
			fx, fy := float32(x), float32(y)
			if first {
				ras.MoveTo(fx, fy)
				first = false
			} else {
				ras.LineTo(fx, fy)
			}
		}
		ras.ClosePath()
	}

	src := image.NewUniform(fillColor)
	ras.Draw(dst, dst.Bounds(), src, image.Point{})
}

func (r *Renderer) strokeLineString(dst *image.NRGBA, ls orb.LineString, width int, fillColor color.NRGBA) {
	if len(ls) < 2 {
		return
	}
	if width <= 0 {
		width = 1
	}
	radius := float64(width) / 2.0
	step := 0.75
	if width >= 5 {
		step = 0.9
	}

	for i := 0; i < len(ls)-1; i++ {
		x0, y0 := r.lonLatToLocalPx(ls[i][0], ls[i][1])
		x1, y1 := r.lonLatToLocalPx(ls[i+1][0], ls[i+1][1])

		dx := x1 - x0
		dy := y1 - y0
		segLen := math.Hypot(dx, dy)
		if segLen == 0 {
			r.drawDisc(dst, x0, y0, radius, fillColor)
			continue
		}

		steps := int(math.Ceil(segLen / step))
		for s := 0; s <= steps; s++ {
			t := float64(s) / float64(steps)
			x := x0 + dx*t
			y := y0 + dy*t
			r.drawDisc(dst, x, y, radius, fillColor)
		}
	}
}

func (r *Renderer) drawDisc(dst *image.NRGBA, cx, cy, radius float64, fillColor color.NRGBA) {
	minX := int(math.Floor(cx - radius))
	maxX := int(math.Ceil(cx + radius))
	minY := int(math.Floor(cy - radius))
	maxY := int(math.Ceil(cy + radius))

	if minX < 0 {
		minX = 0
	}
	if minY < 0 {
		minY = 0
	}
	if maxX >= r.canvasW {
		maxX = r.canvasW - 1
	}
	if maxY >= r.canvasH {
		maxY = r.canvasH - 1
	}

	r2 := radius * radius
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			dx := (float64(x) + 0.5) - cx
			dy := (float64(y) + 0.5) - cy
			if dx*dx+dy*dy <= r2 {
				dst.SetNRGBA(x, y, fillColor)
			}
		}
	}
}

// lonLatToLocalPx maps WGS84 lon/lat to local pixel coordinates on the
// current canvas, via Web Mercator math in "global pixel" space, then
// applies the configured offset.
func (r *Renderer) lonLatToLocalPx(lon, lat float64) (float64, float64) {
	n := math.Pow(2, float64(r.zoom))

	globalX := (lon + 180.0) / 360.0 * n * float64(r.tileSize)

	latRad := lat * math.Pi / 180.0
	mercY := math.Log(math.Tan(math.Pi/4.0 + latRad/2.0))
	globalY := (1.0 - mercY/math.Pi) / 2.0 * n * float64(r.tileSize)

	return globalX - float64(r.offsetX), globalY - float64(r.offsetY)
}
