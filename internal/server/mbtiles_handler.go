package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/osgcore/internal/mbtiles"
)

// MBTilesHandler serves tiles from a local MBTiles-style store.
type MBTilesHandler struct {
	store        *mbtiles.Store
	extents      mbtiles.Extents
	logger       *slog.Logger
	cacheControl string
}

// MBTilesConfig configures the MBTiles handler.
type MBTilesConfig struct {
	MBTilesPath  string
	CacheControl string
}

// NewMBTilesHandler creates a new MBTiles handler.
func NewMBTilesHandler(cfg MBTilesConfig, logger *slog.Logger) (*MBTilesHandler, error) {
	store, _, extents, err := mbtiles.Open(cfg.MBTilesPath, "", true)
	if err != nil {
		return nil, fmt.Errorf("failed to open MBTiles: %w", err)
	}

	return &MBTilesHandler{
		store:        store,
		extents:      extents,
		logger:       logger,
		cacheControl: cfg.CacheControl,
	}, nil
}

// Handler returns the HTTP handler function.
func (h *MBTilesHandler) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveTile(w, r)
	}
}

// serveTile serves a single tile from the MBTiles database.
func (h *MBTilesHandler) serveTile(w http.ResponseWriter, r *http.Request) {
	coords, suffix, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	// Note: suffix (@2x) is ignored for MBTiles serving
	// Separate MBTiles files should be used for different tile sizes
	_ = suffix

	if h.extents.MaxZoom > 0 && (int(coords.Z) < h.extents.MinZoom || int(coords.Z) > h.extents.MaxZoom) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", h.cacheControl)
	w.Header().Set("Content-Type", "image/png")

	data, err := h.store.ReadTile(int(coords.Z), int(coords.X), int(coords.Y))
	if err != nil {
		h.log().Error("failed to read tile", "coords", coords.String(), "error", err)
		http.Error(w, "tile not found", http.StatusNotFound)
		return
	}

	if _, err := w.Write(data); err != nil {
		h.log().Error("failed to write response", "error", err)
	}
}

// Close closes the underlying store.
func (h *MBTilesHandler) Close() error {
	return h.store.Close()
}

func (h *MBTilesHandler) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
