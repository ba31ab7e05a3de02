package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/MeKo-Tech/osgcore/internal/datasource"
	"github.com/MeKo-Tech/osgcore/internal/raster"
	"github.com/MeKo-Tech/osgcore/internal/tile"
	"github.com/MeKo-Tech/osgcore/internal/tilepipeline"
	"github.com/MeKo-Tech/osgcore/internal/types"
)

// OnDemandTilesConfig configures the on-demand raster tile server.
type OnDemandTilesConfig struct {
	CacheControl             string
	BaseTileSize             int
	MaxConcurrentGenerations int
	GenerationTimeout        time.Duration
	DisableCache             bool
	// FetchWorkers is the number of concurrent Overpass API fetch workers (default: 2)
	FetchWorkers int
	// DataSizeWarningMB logs a warning when tile data exceeds this size (default: 10)
	DataSizeWarningMB int64
}

// OnDemandTiles renders raster tiles from a FeatureSource on first
// request and serves subsequent requests for the same tile out of bin.
type OnDemandTiles struct {
	ds         tilepipeline.FeatureSource
	fetchQueue *datasource.FetchQueue
	bin        cachebin.Bin
	logger     *slog.Logger
	sem        chan struct{}
	locks      sync.Map
	pipelines  sync.Map // tileSize -> *tilepipeline.RasterPipeline
	cfg        OnDemandTilesConfig
	retryQueue chan retryJob
	retryCtx   context.Context
	retryCancel context.CancelFunc

	activeRenders  atomic.Int32
	totalRendered  atomic.Int64
	totalFailed    atomic.Int64
	currentRenders sync.Map
	pendingRetries atomic.Int32

	queuedRenders atomic.Int32
	queuedTiles   sync.Map
}

// TileStatus represents the current status of the tile generation system.
type TileStatus struct {
	Fetch  *datasource.FetchQueueStatus `json:"fetch,omitempty"`
	Render RenderStatus                 `json:"render"`
	Retry  RetryStatus                  `json:"retry"`
}

// RenderStatus contains current render operation status.
type RenderStatus struct {
	ActiveRenders int      `json:"active_renders"`
	TotalRendered int64    `json:"total_rendered"`
	TotalFailed   int64    `json:"total_failed"`
	CurrentTiles  []string `json:"current_tiles"`
	MaxConcurrent int      `json:"max_concurrent"`
	QueuedRenders int      `json:"queued_renders"`
	QueuedTiles   []string `json:"queued_tiles"`
}

// RetryStatus contains retry queue status.
type RetryStatus struct {
	PendingRetries int `json:"pending_retries"`
	QueueCapacity  int `json:"queue_capacity"`
}

// queuedFeatureSource routes FetchTileData calls through a FetchQueue so
// Overpass fetches are rate-limited and deduplicated from rendering work.
type queuedFeatureSource struct {
	queue *datasource.FetchQueue
}

func (q *queuedFeatureSource) FetchTileData(ctx context.Context, tile types.TileCoordinate) (*types.TileData, error) {
	result, err := q.queue.SubmitAndWait(ctx, tile, types.TileToBounds(tile))
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return result.Data, nil
}

type retryJob struct {
	coords  tile.Coords
	suffix  string
	attempt int
	data    *types.TileData
}

// NewOnDemandTiles builds a server backed by ds for features and bin for
// rendered-tile storage.
func NewOnDemandTiles(ds tilepipeline.FeatureSource, bin cachebin.Bin, cfg OnDemandTilesConfig, logger *slog.Logger) (*OnDemandTiles, error) {
	if cfg.BaseTileSize <= 0 {
		cfg.BaseTileSize = 256
	}
	if cfg.MaxConcurrentGenerations <= 0 {
		cfg.MaxConcurrentGenerations = 1
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 2 * time.Minute
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "no-store"
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 2
	}
	if cfg.DataSizeWarningMB <= 0 {
		cfg.DataSizeWarningMB = 10
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	var fetchQueue *datasource.FetchQueue
	if opDS, ok := ds.(*datasource.OverpassDataSource); ok {
		fetchQueue = datasource.NewFetchQueue(opDS, datasource.FetchQueueConfig{
			Workers:                  cfg.FetchWorkers,
			QueueSize:                100,
			DataSizeWarningThreshold: cfg.DataSizeWarningMB * 1024 * 1024,
			Logger:                   logger,
		})
		fetchQueue.Start()
		logger.Info("started fetch queue with workers", "workers", cfg.FetchWorkers)
	}

	source := ds
	if fetchQueue != nil {
		source = &queuedFeatureSource{queue: fetchQueue}
	}

	t := &OnDemandTiles{
		ds:          source,
		fetchQueue:  fetchQueue,
		bin:         bin,
		cfg:         cfg,
		logger:      logger,
		sem:         make(chan struct{}, cfg.MaxConcurrentGenerations),
		retryQueue:  make(chan retryJob, 1000),
		retryCtx:    ctx,
		retryCancel: cancel,
	}

	go t.retryWorker()

	return t, nil
}

// Stop gracefully shuts down the server.
func (t *OnDemandTiles) Stop() {
	t.retryCancel()
	if t.fetchQueue != nil {
		t.fetchQueue.Stop()
	}
}

// Status returns the current status of the tile generation system.
func (t *OnDemandTiles) Status() TileStatus {
	var currentRenders []string
	t.currentRenders.Range(func(key, _ any) bool {
		currentRenders = append(currentRenders, key.(string))
		return true
	})

	var queuedTiles []string
	t.queuedTiles.Range(func(key, _ any) bool {
		queuedTiles = append(queuedTiles, key.(string))
		return true
	})

	status := TileStatus{
		Render: RenderStatus{
			ActiveRenders: int(t.activeRenders.Load()),
			TotalRendered: t.totalRendered.Load(),
			TotalFailed:   t.totalFailed.Load(),
			CurrentTiles:  currentRenders,
			MaxConcurrent: t.cfg.MaxConcurrentGenerations,
			QueuedRenders: int(t.queuedRenders.Load()),
			QueuedTiles:   queuedTiles,
		},
		Retry: RetryStatus{
			PendingRetries: int(t.pendingRetries.Load()),
			QueueCapacity:  cap(t.retryQueue),
		},
	}

	if t.fetchQueue != nil {
		fetchStatus := t.fetchQueue.Status()
		status.Fetch = &fetchStatus
	}

	return status
}

// StatusHandler returns an HTTP handler for the status endpoint (JSON).
func (t *OnDemandTiles) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Cache-Control", "no-store")

		status := t.Status()
		if err := json.NewEncoder(w).Encode(status); err != nil {
			t.log().Error("failed to encode status", "error", err)
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
			return
		}
	})
}

// StatusStreamHandler returns an SSE handler for real-time status streaming.
func (t *OnDemandTiles) StatusStreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		t.sendStatusEvent(w, flusher)

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				t.sendStatusEvent(w, flusher)
			}
		}
	})
}

func (t *OnDemandTiles) sendStatusEvent(w http.ResponseWriter, flusher http.Flusher) {
	status := t.Status()
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (t *OnDemandTiles) Handler() http.Handler {
	return http.HandlerFunc(t.serveTile)
}

func (t *OnDemandTiles) serveTile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	coords, suffix, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	tileSize := tileSizeForSuffix(t.cfg.BaseTileSize, suffix)
	key := fmt.Sprintf("%d/%d/%d/%d", tileSize, coords.Z, coords.X, coords.Y)

	w.Header().Set("Cache-Control", t.cfg.CacheControl)

	if !t.cfg.DisableCache {
		if entry, err := t.bin.ReadString(key); err == nil && entry.Status == cachebin.StatusOK {
			writePNG(w, entry.Blob)
			return
		}
	}

	mu := t.getLock(key)
	mu.Lock()
	defer mu.Unlock()

	if !t.cfg.DisableCache {
		if entry, err := t.bin.ReadString(key); err == nil && entry.Status == cachebin.StatusOK {
			writePNG(w, entry.Blob)
			return
		}
	}

	queueKey := key
	t.queuedRenders.Add(1)
	t.queuedTiles.Store(queueKey, time.Now())

	select {
	case t.sem <- struct{}{}:
		t.queuedRenders.Add(-1)
		t.queuedTiles.Delete(queueKey)
		defer func() { <-t.sem }()
	case <-r.Context().Done():
		t.queuedRenders.Add(-1)
		t.queuedTiles.Delete(queueKey)
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), t.cfg.GenerationTimeout)
	defer cancel()

	start := time.Now()
	tileCoord := types.TileCoordinate{Zoom: int(coords.Z), X: int(coords.X), Y: int(coords.Y)}

	t.activeRenders.Add(1)
	t.currentRenders.Store(key, time.Now())

	tileBytes, err := t.renderTile(ctx, tileSize, tileCoord)

	t.activeRenders.Add(-1)
	t.currentRenders.Delete(key)

	if err != nil {
		t.totalFailed.Add(1)
		if isTransientError(err) {
			t.log().Warn("transient error during generation, queuing retry", "coords", coords.String(), "suffix", suffix, "error", err)
			t.queueRetry(coords, suffix, 0, nil)
		} else {
			t.log().Error("failed to generate tile", "coords", coords.String(), "suffix", suffix, "error", err)
		}
		http.Error(w, fmt.Sprintf("failed to generate tile %s: %v", coords.String()+suffix, err), http.StatusBadGateway)
		return
	}

	t.totalRendered.Add(1)
	t.log().Info("tile generated on-demand", "coords", coords.String(), "suffix", suffix, "ms", time.Since(start).Milliseconds())

	meta := config.New("metadata")
	meta.Set("content-type", "image/png")
	if err := t.bin.Write(key, tileBytes, meta); err != nil {
		t.log().Warn("failed to persist rendered tile", "coords", coords.String(), "error", err)
	}

	writePNG(w, tileBytes)
}

// renderTile fetches feature data and rasterizes it, independent of the
// HTTP request lifecycle (so a retry can reuse it without a ResponseWriter).
func (t *OnDemandTiles) renderTile(ctx context.Context, tileSize int, coord types.TileCoordinate) ([]byte, error) {
	pipeline := t.getPipeline(tileSize)
	key := tilepipeline.Key{Level: coord.Zoom, X: coord.X, Y: coord.Y}

	img, err := pipeline.Render(ctx, key)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode tile png: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *OnDemandTiles) getPipeline(tileSize int) *tilepipeline.RasterPipeline {
	if v, ok := t.pipelines.Load(tileSize); ok {
		return v.(*tilepipeline.RasterPipeline)
	}
	p := tilepipeline.NewRasterPipeline(t.ds, tileSize, raster.DefaultStyleSheet())
	actual, _ := t.pipelines.LoadOrStore(tileSize, p)
	return actual.(*tilepipeline.RasterPipeline)
}

func (t *OnDemandTiles) getLock(key string) *sync.Mutex {
	if v, ok := t.locks.Load(key); ok {
		return v.(*sync.Mutex)
	}
	mu := &sync.Mutex{}
	actual, _ := t.locks.LoadOrStore(key, mu)
	return actual.(*sync.Mutex)
}

func (t *OnDemandTiles) log() *slog.Logger {
	if t.logger != nil {
		return t.logger
	}
	return slog.Default()
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func parseTilePath(requestPath string) (tile.Coords, string, bool) {
	if !strings.HasPrefix(requestPath, "/tiles/") {
		return tile.Coords{}, "", false
	}
	base := path.Base(requestPath)
	if !strings.HasSuffix(base, ".png") {
		return tile.Coords{}, "", false
	}
	name := strings.TrimSuffix(base, ".png")
	suffix := ""
	if strings.HasSuffix(name, "@2x") {
		suffix = "@2x"
		name = strings.TrimSuffix(name, "@2x")
	}

	coords, err := tile.ParseCoords(name)
	if err != nil {
		return tile.Coords{}, "", false
	}
	return coords, suffix, true
}

func tileSizeForSuffix(base int, suffix string) int {
	if suffix == "@2x" {
		return base * 2
	}
	return base
}

// isTransientError checks if an error is likely transient and worth retrying
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "Gateway Timeout") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "overpass") ||
		strings.Contains(errStr, "empty response") ||
		strings.Contains(errStr, "max retries exceeded")
}

func (t *OnDemandTiles) queueRetry(coords tile.Coords, suffix string, attempt int, data *types.TileData) {
	select {
	case t.retryQueue <- retryJob{coords: coords, suffix: suffix, attempt: attempt, data: data}:
		t.pendingRetries.Add(1)
		t.log().Info("queued tile for retry", "coords", coords.String(), "suffix", suffix, "attempt", attempt+1)
	default:
		t.log().Warn("retry queue full, dropping tile", "coords", coords.String(), "suffix", suffix)
	}
}

func (t *OnDemandTiles) retryWorker() {
	const maxRetries = 3

	for {
		select {
		case <-t.retryCtx.Done():
			return
		case job := <-t.retryQueue:
			t.pendingRetries.Add(-1)

			var baseDelay time.Duration
			switch {
			case job.coords.Z <= 7:
				baseDelay = 30 * time.Second
			case job.coords.Z <= 10:
				baseDelay = 15 * time.Second
			default:
				baseDelay = 5 * time.Second
			}

			delay := baseDelay * time.Duration(1<<job.attempt)
			t.log().Info("waiting before retry", "coords", job.coords.String(), "suffix", job.suffix, "delay", delay)

			select {
			case <-t.retryCtx.Done():
				return
			case <-time.After(delay):
			}

			select {
			case t.sem <- struct{}{}:
			case <-t.retryCtx.Done():
				return
			}

			ctx, cancel := context.WithTimeout(t.retryCtx, t.cfg.GenerationTimeout)
			tileSize := tileSizeForSuffix(t.cfg.BaseTileSize, job.suffix)
			tileCoord := types.TileCoordinate{Zoom: int(job.coords.Z), X: int(job.coords.X), Y: int(job.coords.Y)}

			key := fmt.Sprintf("%d/%d/%d/%d", tileSize, job.coords.Z, job.coords.X, job.coords.Y)
			t.activeRenders.Add(1)
			t.currentRenders.Store(key, time.Now())

			start := time.Now()
			tileBytes, err := t.renderTile(ctx, tileSize, tileCoord)

			t.activeRenders.Add(-1)
			t.currentRenders.Delete(key)
			cancel()
			<-t.sem

			if err != nil {
				t.totalFailed.Add(1)
				t.log().Error("retry: failed to generate tile", "coords", job.coords.String(), "suffix", job.suffix, "attempt", job.attempt+1, "error", err)
				if isTransientError(err) && job.attempt+1 < maxRetries {
					t.queueRetry(job.coords, job.suffix, job.attempt+1, nil)
				}
				continue
			}

			meta := config.New("metadata")
			meta.Set("content-type", "image/png")
			if err := t.bin.Write(key, tileBytes, meta); err != nil {
				t.log().Warn("retry: failed to persist rendered tile", "coords", job.coords.String(), "error", err)
			}

			t.totalRendered.Add(1)
			t.log().Info("retry: tile generated successfully", "coords", job.coords.String(), "suffix", job.suffix, "attempt", job.attempt+1, "ms", time.Since(start).Milliseconds())
		}
	}
}
