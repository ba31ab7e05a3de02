package transport

import (
	"bufio"
	"bytes"
	"fmt"
	"mime"
	"strings"
)

// multipartState names the stages of the hand-rolled multipart/related
// scanner below. Expressed explicitly rather than leaning on
// mime/multipart's own reader, since the outer boundary framing here
// (a run of raw header/body pairs, no MIME envelope around the whole
// response) is simpler than general MIME multipart and callers benefit
// from seeing exactly what state consumed which bytes.
type multipartState int

const (
	expectBoundary multipartState = iota
	readHeaders
	readBody
	done
)

// isMultipart reports whether contentType names a multipart MIME type.
func isMultipart(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "multipart")
}

// boundaryFrom extracts the boundary parameter from a multipart
// Content-Type header value.
func boundaryFrom(contentType string) (string, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	b := params["boundary"]
	if b == "" {
		return "", fmt.Errorf("multipart content-type missing boundary")
	}
	return b, nil
}

// parseMultipart scans body into Parts using the boundary extracted from
// contentType. Each part's headers are parsed as "key: value" lines up
// to the first blank line; everything after is that part's body, up to
// (but excluding) the next boundary marker.
func parseMultipart(contentType string, body []byte) ([]Part, error) {
	boundary, err := boundaryFrom(contentType)
	if err != nil {
		return nil, err
	}
	delim := []byte("--" + boundary)
	terminal := []byte("--" + boundary + "--")

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var parts []Part
	state := expectBoundary
	var headers map[string]string
	var bodyBuf bytes.Buffer
	var bodyStarted bool

	flush := func() {
		if headers != nil {
			parts = append(parts, Part{
				Headers: headers,
				Size:    int64(bodyBuf.Len()),
				Data:    append([]byte(nil), bodyBuf.Bytes()...),
			})
		}
		headers = nil
		bodyBuf.Reset()
		bodyStarted = false
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch state {
		case expectBoundary:
			trimmed := bytes.TrimRight(line, "\r")
			if bytes.Equal(trimmed, terminal) {
				state = done
			} else if bytes.Equal(trimmed, delim) {
				headers = map[string]string{}
				state = readHeaders
			}
			// Anything else before the first boundary is preamble, ignored.
		case readHeaders:
			trimmed := bytes.TrimRight(line, "\r")
			if len(trimmed) == 0 {
				state = readBody
				continue
			}
			if k, v, ok := bytes.Cut(trimmed, []byte(":")); ok {
				headers[strings.ToLower(strings.TrimSpace(string(k)))] = strings.TrimSpace(string(v))
			}
		case readBody:
			trimmed := bytes.TrimRight(line, "\r")
			if bytes.Equal(trimmed, terminal) {
				flush()
				state = done
			} else if bytes.Equal(trimmed, delim) {
				flush()
				state = readHeaders
				headers = map[string]string{}
			} else {
				// Join consecutive body lines with the newline the scanner
				// stripped, but only between lines: the one immediately
				// before a boundary belongs to the framing, not the body,
				// so it must not be added here.
				if bodyStarted {
					bodyBuf.WriteByte('\n')
				}
				bodyBuf.Write(line)
				bodyStarted = true
			}
		case done:
			// Trailing epilogue after the terminal boundary, ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}
