package cachebin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitterMaxAgeDeterministicPerKey(t *testing.T) {
	a := JitterMaxAge(60*time.Second, "tile/1/2/3")
	b := JitterMaxAge(60*time.Second, "tile/1/2/3")
	assert.Equal(t, a, b)
}

func TestJitterMaxAgeStaysWithinBounds(t *testing.T) {
	base := 100 * time.Second
	for _, key := range []string{"a", "b", "c", "tile/4/5/6", "tile/7/8/9"} {
		jittered := JitterMaxAge(base, key)
		assert.GreaterOrEqual(t, jittered, base/2)
		assert.LessOrEqual(t, jittered, base*2)
	}
}

func TestJitterMaxAgeZeroStaysZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), JitterMaxAge(0, "x"))
}
