package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MeKo-Tech/osgcore/internal/urls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleGetOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 0x50, 0x4E, 0x47})
	}))
	defer srv.Close()

	b := NewNetBackend()
	resp, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
	require.NoError(t, err)
	assert.True(t, resp.IsOK())
	assert.Equal(t, "image/png", resp.MIME)
	require.Len(t, resp.Parts, 1)
	assert.Equal(t, []byte{0x89, 0x50, 0x4E, 0x47}, resp.Parts[0].Data)
	assert.False(t, resp.FromCache)
}

func TestQueryParamOrderPreserved(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	b := NewNetBackend()
	_, err := b.DoGet(context.Background(), Request{
		URL: urls.New(srv.URL),
		Params: []Param{
			{Key: "z", Value: "1"},
			{Key: "a", Value: "2"},
		},
	}, nil, NoopProgress{})
	require.NoError(t, err)
	assert.Equal(t, "z=1&a=2", gotQuery)
}

func TestNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewNetBackend()
	resp, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Code)
	assert.False(t, resp.IsOK())
}

func TestGzipTransparentlyDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain")
		gzBody := []byte{
			0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0xff,
			0x2b, 0x49, 0x2d, 0x2e, 0x01, 0x00, 0x0c, 0x7e, 0x7f, 0xd8, 0x04, 0x00, 0x00, 0x00,
		} // gzip of "test"
		w.Write(gzBody)
	}))
	defer srv.Close()

	b := NewNetBackend()
	resp, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
	require.NoError(t, err)
	require.Len(t, resp.Parts, 1)
	assert.Equal(t, "test", string(resp.Parts[0].Data))
}

func TestIfModifiedSinceOmittedWhenZero(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("If-Modified-Since")
	}))
	defer srv.Close()

	b := NewNetBackend()
	_, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
	require.NoError(t, err)
	assert.Empty(t, gotHeader)
}

func TestMultipartResponseParsed(t *testing.T) {
	body := "--BOUND\r\n" +
		"Content-Type: image/png\r\n" +
		"\r\n" +
		"partone\r\n" +
		"--BOUND\r\n" +
		"Content-Type: image/png\r\n" +
		"\r\n" +
		"parttwo\r\n" +
		"--BOUND--\r\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `multipart/related; boundary="BOUND"`)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	b := NewNetBackend()
	resp, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
	require.NoError(t, err)
	require.Len(t, resp.Parts, 2)
	assert.Equal(t, "image/png", resp.Parts[0].Headers["content-type"])
	assert.Contains(t, string(resp.Parts[0].Data), "partone")
	assert.Contains(t, string(resp.Parts[1].Data), "parttwo")
}

func TestCanceledBeforeDispatch(t *testing.T) {
	b := NewNetBackend()
	cp := &canceledProgress{}
	resp, err := b.DoGet(context.Background(), Request{URL: urls.New("http://example.invalid/x")}, nil, cp)
	require.NoError(t, err)
	assert.True(t, resp.Canceled)
	assert.Equal(t, 0, resp.Code)
}

type canceledProgress struct{ NoopProgress }

func (canceledProgress) IsCanceled() bool { return true }

func TestRedirectCapStopsAfterFive(t *testing.T) {
	var hits int
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, srv.URL+"/next", http.StatusFound)
	}))
	defer srv.Close()

	b := NewNetBackend()
	resp, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Code)
	assert.Greater(t, hits, maxRedirects)
}

func TestSimulatedResponseCodeAppliesSometimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	SetSimulatedResponseCode(503)
	defer SetSimulatedResponseCode(0)

	b := NewNetBackend()
	sawSimulated := false
	for i := 0; i < 200; i++ {
		resp, err := b.DoGet(context.Background(), Request{URL: urls.New(srv.URL)}, nil, NoopProgress{})
		require.NoError(t, err)
		if resp.Code == 503 {
			sawSimulated = true
			break
		}
	}
	assert.True(t, sawSimulated, "expected simulated code to appear across many requests")
}
