package filecache

import (
	"testing"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	md := config.New("metadata")
	md.Set("content-type", "image/png")

	require.NoError(t, b.Write("http://ex/a.png", []byte{1, 2, 3}, md))

	entry, err := b.ReadString("http://ex/a.png")
	require.NoError(t, err)
	assert.Equal(t, cachebin.StatusOK, entry.Status)
	assert.Equal(t, []byte{1, 2, 3}, entry.Blob)

	var ct string
	require.True(t, entry.Metadata.Get("content-type", &ct))
	assert.Equal(t, "image/png", ct)
}

func TestReadMissingKeyIsNotFound(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	entry, err := b.ReadString("missing")
	require.NoError(t, err)
	assert.Equal(t, cachebin.StatusNotFound, entry.Status)
}

func TestTouchUpdatesTimestampOnly(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, b.Write("k", []byte("blob"), config.New("metadata")))
	first, err := b.ReadString("k")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Touch("k"))

	second, err := b.ReadString("k")
	require.NoError(t, err)
	assert.Equal(t, first.Blob, second.Blob)
	assert.True(t, second.Timestamp.After(first.Timestamp))
}

func TestTouchOnMissingKeyIsNoop(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, b.Touch("missing"))
}

func TestReadMetadataWithoutBlob(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	md := config.New("metadata")
	md.Set("etag", "abc")
	require.NoError(t, b.Write("k", []byte("blob"), md))

	entry, err := b.ReadMetadata("k")
	require.NoError(t, err)
	assert.Equal(t, cachebin.StatusOK, entry.Status)
	assert.Nil(t, entry.Blob)
	var etag string
	require.True(t, entry.Metadata.Get("etag", &etag))
	assert.Equal(t, "abc", etag)
}
