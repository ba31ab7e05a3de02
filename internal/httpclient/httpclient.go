// Package httpclient is the per-worker-thread facade every fetch goes
// through: typed reads (image/object/string) backed by doGet's
// read-through/write-through cache control flow, decoder dispatch, and
// error-code mapping.
package httpclient

import (
	"context"
	"os"
	"strconv"
	"time"

	"log/slog"

	"github.com/MeKo-Tech/osgcore/internal/cachebin"
	"github.com/MeKo-Tech/osgcore/internal/config"
	"github.com/MeKo-Tech/osgcore/internal/decoder"
	"github.com/MeKo-Tech/osgcore/internal/result"
	"github.com/MeKo-Tech/osgcore/internal/transport"
	"github.com/MeKo-Tech/osgcore/internal/urls"
)

// ReadResult is the tagged outcome of a typed read.
type ReadResult struct {
	Code         result.Code
	ErrorDetail  string
	Decoded      decoder.Result
	LastModified time.Time
	Duration     time.Duration
	FromCache    bool
	Metadata     *config.Config
}

// OK reports whether the read produced usable content.
func (r ReadResult) OK() bool { return r.Code == result.OK }

// Client is constructed once per worker and reused for every read that
// worker performs. Env is seeded from process env vars at construction
// time (first use), matching §4.5's "lazily initialized on first use".
type Client struct {
	transport transport.Transport
	cache     *cachebin.Cache
	decoders  *decoder.Registry
	env       transport.Env
	logger    *slog.Logger

	retryDelay float64 // OSGEARTH_HTTP_RETRY_DELAY, seconds
	debug      bool
}

// Option configures a Client at construction.
type Option func(*Client)

// WithCache overrides the cache the client reads/writes through. Absent a
// call to WithCache, New falls back to cachebin.Default().
func WithCache(c *cachebin.Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithTransport overrides the Transport backend. Absent a call to
// WithTransport, New falls back to transport.NewDefault().
func WithTransport(t transport.Transport) Option {
	return func(cl *Client) { cl.transport = t }
}

// WithDecoders overrides the decoder registry. Absent a call to
// WithDecoders, New falls back to decoder.Default.
func WithDecoders(r *decoder.Registry) Option {
	return func(cl *Client) { cl.decoders = r }
}

// WithLogger overrides the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New constructs a Client, reading OSGEARTH_* environment variables once.
func New(opts ...Option) *Client {
	cl := &Client{
		logger: slog.Default(),
	}
	cl.env.UserAgent = os.Getenv("OSGEARTH_USERAGENT")
	cl.debug = os.Getenv("OSGEARTH_HTTP_DEBUG") != ""
	if v := os.Getenv("OSGEARTH_HTTP_TIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cl.env.TransferTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("OSGEARTH_HTTP_CONNECTTIMEOUT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cl.env.ConnectTimeout = time.Duration(f * float64(time.Second))
		}
	}
	if v := os.Getenv("OSGEARTH_HTTP_RETRY_DELAY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cl.retryDelay = f
		}
	}
	if v := os.Getenv("OSGEARTH_SIMULATE_HTTP_RESPONSE_CODE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			transport.SetSimulatedResponseCode(n)
		}
	}

	for _, opt := range opts {
		opt(cl)
	}
	if cl.transport == nil {
		cl.transport = transport.NewDefault()
	}
	if cl.cache == nil {
		cl.cache = cachebin.Default()
	}
	if cl.decoders == nil {
		cl.decoders = decoder.Default
	}
	return cl
}

// ReadImage fetches and decodes rawURL as an image.
func (c *Client) ReadImage(ctx context.Context, rawURL string, policy cachebin.Policy, progress transport.ProgressCallback) ReadResult {
	return c.readTyped(ctx, rawURL, policy, progress)
}

// ReadObject fetches and decodes rawURL as a structured object (e.g. a
// feature collection).
func (c *Client) ReadObject(ctx context.Context, rawURL string, policy cachebin.Policy, progress transport.ProgressCallback) ReadResult {
	return c.readTyped(ctx, rawURL, policy, progress)
}

// ReadString fetches rawURL and decodes it as plain text.
func (c *Client) ReadString(ctx context.Context, rawURL string, policy cachebin.Policy, progress transport.ProgressCallback) ReadResult {
	return c.readTyped(ctx, rawURL, policy, progress)
}

// ReadNode is an alias for ReadObject — a "node" is just a structured,
// typed result like any other decoded object.
func (c *Client) ReadNode(ctx context.Context, rawURL string, policy cachebin.Policy, progress transport.ProgressCallback) ReadResult {
	return c.readTyped(ctx, rawURL, policy, progress)
}

func (c *Client) readTyped(ctx context.Context, rawURL string, policy cachebin.Policy, progress transport.ProgressCallback) ReadResult {
	if progress == nil {
		progress = transport.NoopProgress{}
	}

	resp, fromCache, err := c.doGet(ctx, rawURL, policy, progress)
	if err != nil {
		return ReadResult{Code: result.UnknownError, ErrorDetail: err.Error()}
	}

	if resp.Canceled {
		return ReadResult{Code: result.Canceled, Duration: resp.Duration}
	}

	if !resp.IsOK() {
		code := result.FromStatus(resp.Code)
		if code.Recoverable() {
			progress.SetRetryDelay(c.retryDelay)
			progress.Cancel()
		}
		return ReadResult{
			Code:        code,
			ErrorDetail: resp.Message,
			Duration:    resp.Duration,
			Metadata:    responseMetadata(rawURL, resp),
		}
	}

	body := resp.Body()
	decoded, err := c.decoders.Decode(body, rawURL, resp.MIME)
	if err != nil {
		if err == decoder.ErrNoReader {
			return ReadResult{Code: result.NoReader, Metadata: responseMetadata(rawURL, resp)}
		}
		return ReadResult{Code: result.ReaderError, ErrorDetail: err.Error(), Metadata: responseMetadata(rawURL, resp)}
	}

	return ReadResult{
		Code:         result.OK,
		Decoded:      decoded,
		LastModified: resp.LastModified,
		Duration:     resp.Duration,
		FromCache:    fromCache,
		Metadata:     responseMetadata(rawURL, resp),
	}
}

func responseMetadata(rawURL string, resp *transport.Response) *config.Config {
	md := config.New("metadata")
	md.Set("url", rawURL)
	md.Set("code", strconv.Itoa(resp.Code))
	if resp.MIME != "" {
		md.Set("content-type", resp.MIME)
	}
	if len(resp.Parts) > 0 {
		for k, v := range resp.Parts[0].Headers {
			md.Set(k, v)
		}
	}
	return md
}

// doGet implements the read-through/write-through cache control flow.
func (c *Client) doGet(ctx context.Context, rawURL string, policy cachebin.Policy, progress transport.ProgressCallback) (*transport.Response, bool, error) {
	key := cachebin.NormalizeKey(rawURL)

	var bin cachebin.Bin
	if c.cache != nil && policy.Usage != cachebin.NoCache {
		bin = c.cache.DefaultBin()
	}

	var cached cachebin.Entry
	haveCached := false
	if bin != nil {
		e, err := bin.ReadString(key)
		if err == nil && e.Status == cachebin.StatusOK {
			cached = e
			haveCached = true
		}
	}

	if haveCached {
		expired := policy.IsExpired(cached.Timestamp) || cachebin.HasNoCacheControl(cached.Metadata)
		if !expired {
			return synthesizeResponse(cached), true, nil
		}
	}

	if policy.Usage == cachebin.CacheOnly {
		if haveCached {
			return synthesizeResponse(cached), true, nil
		}
		return &transport.Response{Code: 0, Message: "cache-only: no entry"}, false, nil
	}

	req := transport.Request{URL: urls.New(rawURL)}
	if haveCached {
		req.IfModifiedSince = cached.Timestamp
	}

	resp, err := c.transport.DoGet(ctx, req, &c.env, progress)
	if err != nil {
		return nil, false, err
	}

	if resp.Code == 304 && haveCached {
		if bin != nil {
			_ = bin.Touch(key)
		}
		return synthesizeResponse(cached), true, nil
	}

	if resp.IsOK() && bin != nil {
		md := responseMetadata(rawURL, resp)
		_ = bin.Write(key, resp.Body(), md)
	}

	return resp, false, nil
}

func synthesizeResponse(e cachebin.Entry) *transport.Response {
	var mime string
	if e.Metadata != nil {
		e.Metadata.Get("content-type", &mime)
	}
	return &transport.Response{
		Code:         200,
		MIME:         mime,
		LastModified: e.LastModified,
		FromCache:    true,
		Parts:        []transport.Part{{Data: e.Blob, Size: int64(len(e.Blob))}},
	}
}
