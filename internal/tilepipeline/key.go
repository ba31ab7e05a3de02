// Package tilepipeline computes a concrete URL for a Tile Key, dedupes
// concurrent fetches of the same key through a keygate, and — for
// rasterized vector tiles — queries a feature source, filters the
// result, and rasterizes it, optionally on the GPU arena.
package tilepipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies a tile by level, column, row, and tiling-scheme
// profile. Two keys are equal iff all four components match, which is
// exactly the bucket identity the keygate hashes on.
type Key struct {
	Level   int
	X       int
	Y       int
	Profile string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Profile, k.Level, k.X, k.Y)
}

// InvertedY returns the TMS-style row (y-from-south) for this key:
// 2^level - 1 - y.
func (k Key) InvertedY() int {
	return (1 << uint(k.Level)) - 1 - k.Y
}

// RenderURLTemplate substitutes {z}, {x}, {y}, {-y} in template with
// k's decimal components, single-pass (each substring replaced once
// across the whole template, not re-scanned after substitution).
func RenderURLTemplate(template string, k Key) string {
	replacer := strings.NewReplacer(
		"{z}", strconv.Itoa(k.Level),
		"{x}", strconv.Itoa(k.X),
		"{y}", strconv.Itoa(k.Y),
		"{-y}", strconv.Itoa(k.InvertedY()),
	)
	return replacer.Replace(template)
}
