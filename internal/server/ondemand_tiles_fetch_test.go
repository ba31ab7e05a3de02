package server

import (
	"context"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/cachebin/filecache"
	"github.com/MeKo-Tech/osgcore/internal/types"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeatureSource struct {
	calls int
}

func (f *fakeFeatureSource) FetchTileData(ctx context.Context, tile types.TileCoordinate) (*types.TileData, error) {
	f.calls++
	return &types.TileData{
		Features: types.FeatureCollection{
			Water: []types.Feature{
				{
					ID:       "way/1",
					Type:     types.FeatureTypeWater,
					Geometry: orb.Polygon{orb.Ring{{-1, -1}, {1, -1}, {1, 1}, {-1, 1}, {-1, -1}}},
				},
			},
		},
	}, nil
}

func newTestOnDemandTiles(t *testing.T) (*OnDemandTiles, *fakeFeatureSource) {
	t.Helper()
	bin, err := filecache.New(t.TempDir())
	require.NoError(t, err)

	ds := &fakeFeatureSource{}
	od, err := NewOnDemandTiles(ds, bin, OnDemandTilesConfig{
		BaseTileSize:             64,
		MaxConcurrentGenerations: 2,
		GenerationTimeout:        5 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(od.Stop)
	return od, ds
}

func TestServeTileRendersAndCachesPNG(t *testing.T) {
	od, ds := newTestOnDemandTiles(t)

	req := httptest.NewRequest(http.MethodGet, "/tiles/z3_x1_y2.png", nil)
	rec := httptest.NewRecorder()
	od.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	_, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.calls)
}

func TestServeTileServesFromCacheOnSecondRequest(t *testing.T) {
	od, ds := newTestOnDemandTiles(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/tiles/z3_x1_y2.png", nil)
		rec := httptest.NewRecorder()
		od.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 1, ds.calls, "second request should be served from the cache bin, not re-rendered")
}

func TestServeTileRejectsUnknownPath(t *testing.T) {
	od, _ := newTestOnDemandTiles(t)

	req := httptest.NewRequest(http.MethodGet, "/tiles/not-a-tile.png", nil)
	rec := httptest.NewRecorder()
	od.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusHandlerReportsRenderCounts(t *testing.T) {
	od, _ := newTestOnDemandTiles(t)

	req := httptest.NewRequest(http.MethodGet, "/tiles/z3_x1_y2.png", nil)
	od.Handler().ServeHTTP(httptest.NewRecorder(), req)

	statusReq := httptest.NewRequest(http.MethodGet, "/tiles/status", nil)
	statusRec := httptest.NewRecorder()
	od.StatusHandler().ServeHTTP(statusRec, statusReq)

	require.Equal(t, http.StatusOK, statusRec.Code)
	assert.Contains(t, statusRec.Body.String(), `"total_rendered":1`)
}
