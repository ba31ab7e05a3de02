package server

import (
	"log/slog"
	"net/http"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/decoder"
	"github.com/MeKo-Tech/osgcore/internal/httpclient"
	"github.com/MeKo-Tech/osgcore/internal/result"
	"github.com/MeKo-Tech/osgcore/internal/tilepipeline"
	"github.com/MeKo-Tech/osgcore/internal/transport"
)

// MirrorConfig configures the upstream-mirroring tile handler.
type MirrorConfig struct {
	// URLTemplate is the upstream tile URL, containing {z}/{x}/{y} (or
	// {-y} for a TMS-flipped upstream).
	URLTemplate  string
	Profile      string
	CacheControl string
	Policy       cachebin.Policy
}

// MirrorHandler serves tiles by fetching them from an upstream tile
// server through the HTTP client facade, deduping concurrent requests
// for the same tile and caching the result the same way any other
// read-through caller does. Unlike MBTilesHandler (local archive) and
// OnDemandTiles (rendered from vector features), this is the "plain
// passthrough" path: what a caller gets is exactly what the upstream
// served, just fetched once per tile no matter how many requests race
// for it.
type MirrorHandler struct {
	pipeline     *tilepipeline.Pipeline
	profile      string
	cacheControl string
	logger       *slog.Logger
}

// NewMirrorHandler builds a MirrorHandler backed by client. If cfg.Policy
// is the zero value, requests are read-through and write-through with no
// expiry.
func NewMirrorHandler(client *httpclient.Client, cfg MirrorConfig, logger *slog.Logger) *MirrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	profile := cfg.Profile
	if profile == "" {
		profile = "mirror"
	}
	return &MirrorHandler{
		pipeline:     tilepipeline.New(client, cfg.URLTemplate, cfg.Policy),
		profile:      profile,
		cacheControl: cfg.CacheControl,
		logger:       logger,
	}
}

// Handler returns the HTTP handler function.
func (h *MirrorHandler) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serveTile(w, r)
	}
}

func (h *MirrorHandler) serveTile(w http.ResponseWriter, r *http.Request) {
	coords, suffix, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	_ = suffix

	key := tilepipeline.Key{Level: int(coords.Z), X: int(coords.X), Y: int(coords.Y), Profile: h.profile}

	res, err := h.pipeline.Fetch(r.Context(), key, transport.NoopProgress{})
	if err != nil {
		h.log().Error("mirror fetch failed", "coords", coords.String(), "error", err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	if !res.OK() {
		status := http.StatusBadGateway
		if res.Code == result.NotFound {
			status = http.StatusNotFound
		}
		http.Error(w, "tile unavailable: "+res.ErrorDetail, status)
		return
	}
	if res.Decoded.Kind != decoder.KindImage {
		http.Error(w, "upstream response was not an image", http.StatusBadGateway)
		return
	}

	if h.cacheControl != "" {
		w.Header().Set("Cache-Control", h.cacheControl)
	}
	var contentType string
	if res.Metadata != nil {
		res.Metadata.Get("content-type", &contentType)
	}
	if contentType == "" {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)

	if _, err := w.Write(res.Decoded.Image); err != nil {
		h.log().Error("failed to write response", "error", err)
	}
}

func (h *MirrorHandler) log() *slog.Logger {
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
