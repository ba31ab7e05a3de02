package cachebin

import (
	"hash/fnv"
	"time"

	"github.com/aquilax/go-perlin"
)

// jitterPerlin is shared process-wide: Perlin noise only needs to be
// deterministic per input coordinate, not seeded per call, so one
// generator serves every JitterMaxAge call.
var jitterPerlin = perlin.NewPerlin(2, 2, 3, 99)

// JitterMaxAge nudges maxAge by up to +/-10% using Perlin noise sampled
// at a coordinate derived from key, so that many entries inserted at the
// same instant don't all cross their expiry threshold on the same tick
// and stampede the origin simultaneously. The nudge is deterministic for
// a given key, so repeated IsExpired checks against the same entry stay
// consistent within a process.
func JitterMaxAge(maxAge time.Duration, key string) time.Duration {
	if maxAge <= 0 {
		return maxAge
	}
	h := fnv.New64a()
	h.Write([]byte(key))
	coord := float64(h.Sum64()%10000) / 1000.0

	noise := jitterPerlin.Noise2D(coord, coord*0.37)
	factor := 1.0 + noise*0.1
	if factor < 0.5 {
		factor = 0.5
	}
	return time.Duration(float64(maxAge) * factor)
}
