package tilepipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/cachebin/filecache"
	"github.com/MeKo-Tech/osgcore/internal/httpclient"
	"github.com/MeKo-Tech/osgcore/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

func newTestClient(t *testing.T) *httpclient.Client {
	t.Helper()
	fc, err := filecache.New(t.TempDir())
	require.NoError(t, err)
	cache := cachebin.NewCache(func(string) cachebin.Bin { return fc })

	// No WithDecoders: the client falls back to decoder.Default, the
	// same process-wide registry production code resolves against.
	return httpclient.New(
		httpclient.WithCache(cache),
		httpclient.WithTransport(transport.NewNetBackend()),
	)
}

// TestPipelineFetchGetsImageThroughDefaultDecoders drives Pipeline.Fetch
// through the real default decoder registry end to end: a request for a
// tile key renders a URL, fetches it over real HTTP, and decodes the PNG
// response the same way a production caller's upstream-mirror request
// would.
func TestPipelineFetchGetsImageThroughDefaultDecoders(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Header().Set("Content-Type", "image/png")
		w.Write(tinyPNG)
	}))
	defer srv.Close()

	client := newTestClient(t)
	p := New(client, srv.URL+"/{z}/{x}/{y}.png", cachebin.Policy{MaxAge: time.Minute})

	key := Key{Level: 3, X: 1, Y: 2, Profile: "mirror"}
	res, err := p.Fetch(context.Background(), key, transport.NoopProgress{})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, tinyPNG, res.Decoded.Image)
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}

// TestPipelineFetchDedupesConcurrentRequestsForSameKey confirms the
// keygate still serializes concurrent Fetch calls for the same Key down
// to a single upstream request, even when driven through the real HTTP
// client facade rather than a mocked transport.
func TestPipelineFetchDedupesConcurrentRequestsForSameKey(t *testing.T) {
	var requests int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		<-release
		w.Header().Set("Content-Type", "image/png")
		w.Write(tinyPNG)
	}))
	defer srv.Close()

	client := newTestClient(t)
	p := New(client, srv.URL+"/{z}/{x}/{y}.png", cachebin.Policy{MaxAge: time.Minute, Usage: cachebin.NoCache})

	key := Key{Level: 5, X: 9, Y: 9, Profile: "mirror"}

	const callers = 5
	done := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := p.Fetch(context.Background(), key, transport.NoopProgress{})
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&requests) >= 1 }, time.Second, time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		<-done
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&requests))
}
