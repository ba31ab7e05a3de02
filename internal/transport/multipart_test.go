package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMultipartTwoParts(t *testing.T) {
	body := "--xyz\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"world\r\n" +
		"--xyz--\r\n"

	parts, err := parseMultipart(`multipart/related; boundary=xyz`, []byte(body))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte("hello"), parts[0].Data)
	assert.Equal(t, int64(5), parts[0].Size)
	assert.Equal(t, []byte("world"), parts[1].Data)
	assert.Equal(t, int64(5), parts[1].Size)
}

// TestParseMultipartPreservesExactBodyLength guards against a body
// accumulator that appends a trailing line terminator belonging to the
// boundary framing rather than the part itself, which would silently
// grow every part's byte count by one.
func TestParseMultipartPreservesExactBodyLength(t *testing.T) {
	body := "--xyz\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"\r\n" +
		"12345678\r\n" +
		"--xyz\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello\r\n" +
		"--xyz--\r\n"

	parts, err := parseMultipart(`multipart/related; boundary=xyz`, []byte(body))
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, int64(8), parts[0].Size)
	assert.Equal(t, []byte("12345678"), parts[0].Data)
	assert.Equal(t, int64(5), parts[1].Size)
	assert.Equal(t, []byte("hello"), parts[1].Data)
}

// TestParseMultipartJoinsMultilineBodyWithoutTrailingNewline confirms a
// body spanning several lines is rejoined with exactly one newline
// between lines and none after the last.
func TestParseMultipartJoinsMultilineBodyWithoutTrailingNewline(t *testing.T) {
	body := "--xyz\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"line one\r\n" +
		"line two\r\n" +
		"--xyz--\r\n"

	parts, err := parseMultipart(`multipart/related; boundary=xyz`, []byte(body))
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, []byte("line one\nline two"), parts[0].Data)
}

func TestIsMultipartPrefixMatch(t *testing.T) {
	assert.True(t, isMultipart("multipart/related; boundary=x"))
	assert.True(t, isMultipart("Multipart/Mixed"))
	assert.False(t, isMultipart("image/png"))
}

func TestBoundaryFromMissingErrors(t *testing.T) {
	_, err := boundaryFrom("multipart/related")
	assert.Error(t, err)
}
