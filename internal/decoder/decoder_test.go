package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freshRegistry() *Registry {
	r := NewRegistry()
	r.Register(pngDecoder{})
	r.Register(jpegDecoder{})
	r.Register(textDecoder{})
	return r
}

func TestResolveBySniffTakesPriority(t *testing.T) {
	r := freshRegistry()
	data := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, 1, 2, 3)
	d, err := r.Resolve(data, "http://ex/a.jpg", "application/octet-stream")
	require.NoError(t, err)
	assert.IsType(t, pngDecoder{}, d)
}

func TestResolveByExtensionWhenSniffFails(t *testing.T) {
	r := freshRegistry()
	d, err := r.Resolve([]byte("not a magic header"), "http://ex/tile.png?x=1", "")
	require.NoError(t, err)
	assert.IsType(t, pngDecoder{}, d)
}

func TestResolveByMIMEWhenExtensionUnknown(t *testing.T) {
	r := freshRegistry()
	d, err := r.Resolve([]byte("hello"), "http://ex/endpoint", "text/plain")
	require.NoError(t, err)
	assert.IsType(t, textDecoder{}, d)
}

func TestResolveNoMatchIsNoReader(t *testing.T) {
	r := freshRegistry()
	_, err := r.Resolve([]byte{0, 0, 0}, "http://ex/data.bin", "application/octet-stream")
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestDecodeProducesImageResult(t *testing.T) {
	r := freshRegistry()
	data := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 9, 9}
	result, err := r.Decode(data, "http://ex/a.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, KindImage, result.Kind)
	assert.Equal(t, data, result.Image)
}
