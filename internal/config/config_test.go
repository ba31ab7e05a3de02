package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New("root")
	c.Set("max-age", "60")

	var v string
	require.True(t, c.Get("max-age", &v))
	assert.Equal(t, "60", v)

	// Set again replaces, does not append.
	c.Set("max-age", "120")
	require.True(t, c.Get("max-age", &v))
	assert.Equal(t, "120", v)
	assert.Len(t, c.Children, 1)
}

func TestAddAppends(t *testing.T) {
	c := New("root")
	c.Add("header", "a")
	c.Add("header", "b")
	assert.Len(t, c.ChildrenOf("header"), 2)
}

func TestKeyCaseInsensitive(t *testing.T) {
	c := New("root")
	c.Set("Cache-Control", "no-cache")

	var v string
	require.True(t, c.Get("cache-control", &v))
	assert.Equal(t, "no-cache", v)
}

func TestChildSentinelNeverNil(t *testing.T) {
	c := New("root")
	child := c.Child("missing")
	require.NotNil(t, child)
	assert.Equal(t, "missing", child.Key)
	assert.Empty(t, child.Value)
}

func TestFindRecursive(t *testing.T) {
	c := New("root")
	inner := New("layer")
	inner.Set("zoom", "5")
	c.AddChild(inner)

	_, ok := c.Find("zoom", false)
	assert.False(t, ok)

	found, ok := c.Find("zoom", true)
	require.True(t, ok)
	assert.Equal(t, "5", found.Value)
}

func TestMergeDeep(t *testing.T) {
	a := New("root")
	a.Set("name", "a")
	layerA := New("layer")
	layerA.Set("zoom", "1")
	a.AddChild(layerA)

	b := New("root")
	b.Set("name", "b") // should not override a's existing value
	layerB := New("layer")
	layerB.Set("maxage", "60")
	b.AddChild(layerB)
	b.Set("extra", "yes")

	a.Merge(b)

	var v string
	require.True(t, a.Get("name", &v))
	assert.Equal(t, "a", v) // a's own value wins

	require.True(t, a.Get("extra", &v))
	assert.Equal(t, "yes", v)

	merged, ok := a.Find("layer", false)
	require.True(t, ok)
	require.True(t, merged.Get("zoom", &v))
	assert.Equal(t, "1", v)
	require.True(t, merged.Get("maxage", &v))
	assert.Equal(t, "60", v)
}

func TestSubtractRemovesIdenticalSubtrees(t *testing.T) {
	a := New("root")
	a.Set("kept", "1")
	a.Set("same", "x")

	b := New("root")
	b.Set("same", "x")

	diff := a.Subtract(b)
	_, ok := diff.Find("same", false)
	assert.False(t, ok)

	var v string
	require.True(t, diff.Get("kept", &v))
	assert.Equal(t, "1", v)
}

func TestPercentGetter(t *testing.T) {
	c := New("root")
	c.SetPercent("opacity", 0.5)
	assert.InDelta(t, 0.5, c.Float64Or("opacity", -1), 1e-9)
}

func TestIntAndBoolFallback(t *testing.T) {
	c := New("root")
	assert.Equal(t, 42, c.IntOr("missing", 42))
	assert.True(t, c.BoolOr("missing", true))

	c.Set("n", "not-a-number")
	assert.Equal(t, 7, c.IntOr("n", 7))
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	values := []string{"plain", "has,comma", `has "quote"`, ""}
	encoded := EncodeVector(values)
	decoded := DecodeVector(encoded)
	assert.Equal(t, values, decoded)
}

func TestToJSONFromJSONStructuralRoundTrip(t *testing.T) {
	c := New("root")
	c.Set("a", "1")
	c.Set("b", "2")
	child := New("layer")
	child.Set("zoom", "5")
	c.AddChild(child)

	data, err := c.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)

	assert.True(t, c.equalStructure(parsed))
}
