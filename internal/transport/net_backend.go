package transport

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MeKo-Tech/osgcore/internal/urls"
)

const maxRedirects = 5

// netBackend is the default, all-platform Transport: a plain net/http
// client with proxy, redirect, encoding, fault-injection, and credential
// rules layered on top. One netBackend is meant to be owned by a single
// worker/HTTP-client handle so its credential cache tracks "last used on
// this handle" correctly.
type netBackend struct {
	mu            sync.Mutex
	lastCredKey   string
	client        *http.Client
	clientProxy   string // proxy identity the current client was built for
}

// NewNetBackend constructs a fresh net/http-backed Transport handle.
func NewNetBackend() Transport {
	return &netBackend{}
}

func (b *netBackend) DoGet(ctx context.Context, req Request, env *Env, progress ProgressCallback) (*Response, error) {
	if progress == nil {
		progress = NoopProgress{}
	}
	start := time.Now()

	rewritten := urls.Rewrite(req.URL)
	base := rewritten.Resolve()

	fullURL, err := renderURL(base, req.Params)
	if err != nil {
		return &Response{Code: 0, Message: err.Error()}, nil
	}

	proxyHost, proxyPort, proxyUser, proxyPass := resolvedProxy(env)
	client, err := b.clientFor(proxyHost, proxyPort, proxyUser, proxyPass)
	if err != nil {
		return &Response{Code: 0, Message: fmt.Sprintf("Proxy connect error %v", err)}, nil
	}

	transfer, connect := resolvedTimeouts(env)
	if transfer > 0 {
		client.Timeout = time.Duration(transfer * float64(time.Second))
	}
	if connect > 0 {
		if t, ok := client.Transport.(*http.Transport); ok {
			t.DialContext = timedDialer(connect)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return &Response{Code: 0, Message: err.Error()}, nil
	}

	// Header.Set canonicalizes on the wire regardless of the case we pass
	// in; comparisons elsewhere in this package treat headers as
	// case-insensitive, which is what actually matters over HTTP/1.1.
	for k, v := range req.Headers {
		httpReq.Header.Set(strings.ToLower(k), v)
	}
	httpReq.Header.Del("Pragma") // strip any inherited "Pragma: no-cache"
	httpReq.Header.Set("accept-encoding", "gzip, deflate")
	httpReq.Header.Set("user-agent", resolvedUserAgent(env))
	if !req.IfModifiedSince.IsZero() {
		httpReq.Header.Set("if-modified-since", req.IfModifiedSince.UTC().Format(http.TimeFormat))
	}

	if cred, ok := credentialsFor(fullURL, &req, env); ok {
		key := cred.Username + ":" + cred.Password
		b.mu.Lock()
		b.lastCredKey = key
		b.mu.Unlock()
		httpReq.SetBasicAuth(cred.Username, cred.Password)
	}

	if progress.ReportProgress(0, 0) || progress.IsCanceled() {
		progress.Cancel()
		return &Response{Code: 0, Canceled: true, Duration: time.Since(start)}, nil
	}

	urls.Default.NotifyGet(client)
	httpResp, err := client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return &Response{Code: 0, Canceled: true, Message: err.Error(), Duration: duration}, nil
		}
		if httpResp == nil {
			if proxyHost != "" {
				return &Response{Code: 0, Message: fmt.Sprintf("Proxy connect error %v", err), Duration: duration}, nil
			}
			return &Response{Code: 0, Message: err.Error(), Duration: duration}, nil
		}
		// A response returned alongside an error is read below as-is.
	}
	if httpResp == nil {
		return &Response{Code: 0, Message: "no response", Duration: duration}, nil
	}
	defer httpResp.Body.Close()

	if progress.IsCanceled() {
		progress.Cancel()
		return &Response{Code: 0, Canceled: true, Duration: duration}, nil
	}

	body, readErr := decodeBody(httpResp)
	if readErr != nil {
		return &Response{Code: 0, Message: readErr.Error(), Duration: duration}, nil
	}

	code := httpResp.StatusCode
	code = maybeSimulate(code)

	contentType := httpResp.Header.Get("Content-Type")
	lastModified := parseLastModified(httpResp.Header.Get("Last-Modified"))

	resp := &Response{
		Code:         code,
		MIME:         stripMIMEParams(contentType),
		Duration:     duration,
		LastModified: lastModified,
	}

	if isMultipart(contentType) {
		parts, err := parseMultipart(contentType, body)
		if err != nil {
			return &Response{Code: 0, Message: err.Error(), Duration: duration}, nil
		}
		resp.Parts = parts
	} else {
		resp.Parts = []Part{{Headers: flattenHeader(httpResp.Header), Size: int64(len(body)), Data: body}}
	}

	return resp, nil
}

func (b *netBackend) clientFor(host string, port int, user, pass string) (*http.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	identity := fmt.Sprintf("%s:%d:%s:%s", host, port, user, pass)
	if b.client != nil && b.clientProxy == identity {
		return b.client, nil
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
	}

	if host != "" {
		proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", host, port)}
		if user != "" {
			proxyURL.User = url.UserPassword(user, pass)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	b.client = client
	b.clientProxy = identity
	urls.Default.NotifyInitialize(client)
	return client, nil
}

func timedDialer(connectSeconds float64) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: time.Duration(connectSeconds * float64(time.Second))}
	return d.DialContext
}

func renderURL(base string, params []Param) (string, error) {
	if len(params) == 0 {
		return base, nil
	}
	var b strings.Builder
	b.WriteString(base)
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	for _, p := range params {
		b.WriteString(sep)
		b.WriteString(url.QueryEscape(p.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
		sep = "&"
	}
	return b.String(), nil
}

func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		reader = flate.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}

func maybeSimulate(code int) int {
	if os.Getenv("OSGEARTH_HTTP_DISABLE") != "" {
		return 500
	}
	sim := simulatedCode()
	if sim == 0 {
		return code
	}
	if rand.IntN(10) == 0 {
		return sim
	}
	return code
}

func parseLastModified(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func stripMIMEParams(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return strings.TrimSpace(contentType)
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
