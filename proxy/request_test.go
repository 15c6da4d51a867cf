package proxy

import (
	"bufio"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequest(t *testing.T) {
	raw := "GET /video.mp4 HTTP/1.1\r\nHost: 127.0.0.1\r\nRange: bytes=0-99\r\n\r\n"
	lines, err := readRequest(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "GET /video.mp4 HTTP/1.1", lines[0])
	assert.Equal(t, "Range: bytes=0-99", lines[2])
}

func TestReadRequestEmpty(t *testing.T) {
	_, err := readRequest(bufio.NewReader(strings.NewReader("")))
	assert.ErrorIs(t, err, ErrRequestEmpty)

	_, err = readRequest(bufio.NewReader(strings.NewReader("\r\n")))
	assert.ErrorIs(t, err, ErrRequestEmpty)
}

func TestParseTarget(t *testing.T) {
	cases := []struct {
		in, out string
	}{
		{"GET /http:%2F%2Fexample.com%2Fv.mp4 HTTP/1.1", "http://example.com/v.mp4"},
		{"GET /example.com%2Fv.mp4 HTTP/1.1", "https://example.com/v.mp4"},
		{"GET /https:%2F%2Fexample.com%2Fv.webm HTTP/1.1", "https://example.com/v.webm"},
	}
	for _, c := range cases {
		got, err := parseTarget(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.out, got)
	}
}

func TestParseTargetMalformed(t *testing.T) {
	_, err := parseTarget("GET")
	assert.ErrorIs(t, err, ErrRequestMalformed)
}

// proxy URL mapping and target parsing must invert each other
func TestParseTargetRoundTrip(t *testing.T) {
	original := "https://example.com/videos/stream one.mp4?token=a/b"
	stripped := strings.TrimPrefix(original, "https://")
	requestLine := "GET /" + url.PathEscape(stripped) + " HTTP/1.1"
	got, err := parseTarget(requestLine)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestRequestHeader(t *testing.T) {
	lines := []string{
		"GET / HTTP/1.1",
		"Host: 127.0.0.1",
		"RANGE: bytes=100-",
	}
	assert.Equal(t, "bytes=100-", requestHeader(lines, "Range"))
	assert.Equal(t, "127.0.0.1", requestHeader(lines, "host"))
	assert.Equal(t, "", requestHeader(lines, "User-Agent"))
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		total      int64
		start, end int64
	}{
		{"", 100, 0, 99},
		{"bytes=0-", 100, 0, 99},
		{"bytes=10-20", 100, 10, 20},
		{"bytes=50-", 100, 50, 99},
		{"bytes=garbage-", 100, 0, 99},
	}
	for _, c := range cases {
		start, end := parseRange(c.header, c.total)
		assert.EqualValues(t, c.start, start, c.header)
		assert.EqualValues(t, c.end, end, c.header)
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/webm", contentTypeFor("https://x/v.webm", ""))
	assert.Equal(t, "video/mp4", contentTypeFor("https://x/v.mp4", ""))
	assert.Equal(t, "video/mp4", contentTypeFor("https://x/v.bin", ""))
	assert.Equal(t, "video/webm", contentTypeFor("https://x/v.mp4", "audio/webm; codecs=opus"))
	assert.Equal(t, "video/mp4", contentTypeFor("https://x/v.webm", "video/mp4"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("https://x/v.bin", "application/octet-stream"))
}

func TestUpdateRetryBuffer(t *testing.T) {
	ring := make([]byte, 8)
	size := 0

	updateRetryBuffer(ring, &size, []byte("abc"))
	assert.Equal(t, 3, size)
	assert.Equal(t, "abc", string(ring[:size]))

	updateRetryBuffer(ring, &size, []byte("defg"))
	assert.Equal(t, 7, size)
	assert.Equal(t, "abcdefg", string(ring[:size]))

	// overflow shifts the oldest bytes out
	updateRetryBuffer(ring, &size, []byte("hij"))
	assert.Equal(t, 8, size)
	assert.Equal(t, "cdefghij", string(ring[:size]))

	// oversized writes keep only the tail
	updateRetryBuffer(ring, &size, []byte("0123456789"))
	assert.Equal(t, 8, size)
	assert.Equal(t, "23456789", string(ring[:size]))
}
