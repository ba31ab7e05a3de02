// Package decoder provides the registry that turns a raw byte stream
// into a typed result (image, feature collection, or plain string/object),
// chosen by content sniff, then URL extension, then MIME type — in that
// order, matching how a browser or curl would guess content over a
// server's possibly-wrong Content-Type header.
package decoder

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kind names the shape of a decoded result.
type Kind int

const (
	KindImage Kind = iota
	KindObject
	KindString
)

// Result is a decoded payload. Exactly one of Image/Object/Text is set,
// named by Kind.
type Result struct {
	Kind  Kind
	Image []byte // re-encoded as-is; callers that need image.Image decode further
	Object any
	Text  string
}

// Decoder turns a byte stream into a Result, or returns an error with a
// human-readable message on failure.
type Decoder interface {
	// Sniff reports whether data's leading bytes identify this decoder's
	// format, independent of any declared MIME type or extension.
	Sniff(data []byte) bool
	// Extensions lists the file extensions (without the leading dot,
	// lowercase) this decoder claims, e.g. "png", "jpg".
	Extensions() []string
	// MIMETypes lists the MIME types this decoder claims.
	MIMETypes() []string
	// Decode parses data into a Result.
	Decode(data []byte) (Result, error)
}

// Registry holds an ordered set of registered decoders and resolves one
// per lookup using the sniff -> extension -> MIME order.
type Registry struct {
	decoders []Decoder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends d to the registry. Later registrations are not
// preferred over earlier ones within the same lookup phase; first match
// wins.
func (r *Registry) Register(d Decoder) {
	r.decoders = append(r.decoders, d)
}

// ErrNoReader is returned (wrapped with context) when no decoder
// matches any phase.
var ErrNoReader = fmt.Errorf("no decoder matched")

// Resolve finds the decoder for data, given the requesting rawURL (used
// for the extension phase, query string stripped) and the response's
// declared MIME type.
func (r *Registry) Resolve(data []byte, rawURL, mimeType string) (Decoder, error) {
	for _, d := range r.decoders {
		if d.Sniff(data) {
			return d, nil
		}
	}

	if ext := extensionOf(rawURL); ext != "" {
		for _, d := range r.decoders {
			for _, e := range d.Extensions() {
				if e == ext {
					return d, nil
				}
			}
		}
	}

	mimeType = strings.TrimSpace(strings.ToLower(mimeType))
	if mimeType != "" {
		for _, d := range r.decoders {
			for _, m := range d.MIMETypes() {
				if m == mimeType {
					return d, nil
				}
			}
		}
	}

	return nil, ErrNoReader
}

// Decode resolves a decoder and applies it in one step.
func (r *Registry) Decode(data []byte, rawURL, mimeType string) (Result, error) {
	d, err := r.Resolve(data, rawURL, mimeType)
	if err != nil {
		return Result{}, err
	}
	return d.Decode(data)
}

func extensionOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	urlPath := rawURL
	if err == nil {
		urlPath = u.Path
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(urlPath), "."))
}

// Default is the process-wide registry, pre-populated by RegisterDefaults.
var Default = NewRegistry()

// RegisterDefaults registers the built-in decoders (PNG, JPEG, plain
// text) onto Default. Called once from program init.
func RegisterDefaults() {
	Default.Register(pngDecoder{})
	Default.Register(jpegDecoder{})
	Default.Register(textDecoder{})
}

func init() {
	RegisterDefaults()
}

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type pngDecoder struct{}

func (pngDecoder) Sniff(data []byte) bool { return bytes.HasPrefix(data, pngMagic) }
func (pngDecoder) Extensions() []string   { return []string{"png"} }
func (pngDecoder) MIMETypes() []string    { return []string{"image/png"} }
func (pngDecoder) Decode(data []byte) (Result, error) {
	return Result{Kind: KindImage, Image: data}, nil
}

type jpegDecoder struct{}

func (jpegDecoder) Sniff(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}
func (jpegDecoder) Extensions() []string { return []string{"jpg", "jpeg"} }
func (jpegDecoder) MIMETypes() []string  { return []string{"image/jpeg"} }
func (jpegDecoder) Decode(data []byte) (Result, error) {
	return Result{Kind: KindImage, Image: data}, nil
}

// textDecoder is the catch-all for plain text responses (error bodies,
// short status strings). It never sniffs true — it's only reachable via
// extension/MIME match, so it never shadows a binary format that forgot
// to sniff.
type textDecoder struct{}

func (textDecoder) Sniff(data []byte) bool { return false }
func (textDecoder) Extensions() []string   { return []string{"txt"} }
func (textDecoder) MIMETypes() []string    { return []string{"text/plain"} }
func (textDecoder) Decode(data []byte) (Result, error) {
	return Result{Kind: KindString, Text: string(data)}, nil
}
