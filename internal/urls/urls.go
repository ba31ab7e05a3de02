// Package urls provides the opaque URL value used for every outbound
// request, a pluggable rewrite hook, and a config handler hook that lets
// callers tune a transport backend before it is first used and before
// each individual GET.
package urls

import (
	"net/url"
	"strings"
	"sync"
)

// URL is an opaque location plus the referrer it should be resolved
// relative to. Referrer is itself a URL string, not another URL value, so
// that a chain of relative references can be stored flatly.
type URL struct {
	Full     string
	Referrer string
}

// New wraps a bare location with no referrer.
func New(full string) URL {
	return URL{Full: full}
}

// NewRelative wraps a location resolved relative to referrer.
func NewRelative(full, referrer string) URL {
	return URL{Full: full, Referrer: referrer}
}

// Resolve returns the absolute form of u, resolving Full against Referrer
// when Full is itself relative. If Referrer is empty or does not parse,
// Full is returned unchanged.
func (u URL) Resolve() string {
	full := strings.TrimSpace(u.Full)
	if u.Referrer == "" {
		return full
	}
	ref, err := url.Parse(u.Referrer)
	if err != nil {
		return full
	}
	loc, err := url.Parse(full)
	if err != nil {
		return full
	}
	return ref.ResolveReference(loc).String()
}

// IsEmpty reports whether u carries no location.
func (u URL) IsEmpty() bool {
	return strings.TrimSpace(u.Full) == ""
}

func (u URL) String() string {
	return u.Resolve()
}

// Rewriter rewrites a URL before it is dispatched, e.g. to redirect a
// layer's tile source to a mirror or local cache.
type Rewriter interface {
	Rewrite(u URL) URL
}

// RewriterFunc adapts a plain function to a Rewriter.
type RewriterFunc func(u URL) URL

func (f RewriterFunc) Rewrite(u URL) URL { return f(u) }

// ConfigHandler is notified once when a transport backend handle is first
// created (OnInitialize) and immediately before every GET that uses it
// (OnGet), so a caller can apply opaque, backend-specific tuning (proxy
// overrides, timeouts) without the transport exposing backend internals.
type ConfigHandler interface {
	OnInitialize(handle any)
	OnGet(handle any)
}

// Registry holds the process-wide, replaceable rewriter and config
// handler. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	rewriter Rewriter
	handler  ConfigHandler
}

// NewRegistry returns an empty Registry, useful for isolating tests from
// the package-level default.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetRewriter installs r as the active rewriter. A nil r clears it.
func (reg *Registry) SetRewriter(r Rewriter) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rewriter = r
}

// SetConfigHandler installs h as the active config handler. A nil h
// clears it.
func (reg *Registry) SetConfigHandler(h ConfigHandler) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.handler = h
}

// Rewrite applies the active rewriter, if any, returning u unchanged
// otherwise.
func (reg *Registry) Rewrite(u URL) URL {
	reg.mu.RLock()
	r := reg.rewriter
	reg.mu.RUnlock()
	if r == nil {
		return u
	}
	return r.Rewrite(u)
}

// NotifyInitialize calls the active config handler's OnInitialize, if any.
func (reg *Registry) NotifyInitialize(handle any) {
	reg.mu.RLock()
	h := reg.handler
	reg.mu.RUnlock()
	if h != nil {
		h.OnInitialize(handle)
	}
}

// NotifyGet calls the active config handler's OnGet, if any.
func (reg *Registry) NotifyGet(handle any) {
	reg.mu.RLock()
	h := reg.handler
	reg.mu.RUnlock()
	if h != nil {
		h.OnGet(handle)
	}
}

// Default is the process-wide registry used by callers that don't need
// test isolation.
var Default = NewRegistry()

// SetRewriter installs the process-wide rewriter.
func SetRewriter(r Rewriter) { Default.SetRewriter(r) }

// SetConfigHandler installs the process-wide config handler.
func SetConfigHandler(h ConfigHandler) { Default.SetConfigHandler(h) }

// Rewrite applies the process-wide rewriter.
func Rewrite(u URL) URL { return Default.Rewrite(u) }
