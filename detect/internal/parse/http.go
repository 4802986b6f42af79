// Package parse extracts the minimal structure detectors need from untrusted
// application payloads. Every parser returns an error wrapping
// models.ErrParse on truncated or malformed input and never panics on
// attacker controlled lengths.
package parse

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/telhawk-systems/telhawk-ndr/detect/internal/models"
)

// HTTPRequest is a decoded HTTP/1.x request.
type HTTPRequest struct {
	Method      string
	URI         string
	Path        string
	Query       string
	Host        string
	UserAgent   string
	ContentType string
	Header      http.Header
	Body        []byte

	// Truncated is set when the body is shorter than Content-Length.
	Truncated bool
}

var httpMethods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

// LooksHTTPRequest reports whether payload starts with an HTTP method.
func LooksHTTPRequest(payload []byte) bool {
	for _, m := range httpMethods {
		if bytes.HasPrefix(payload, m) {
			return true
		}
	}
	return false
}

// ParseHTTPRequest decodes the request line, headers and whatever body bytes
// the payload carries.
func ParseHTTPRequest(payload []byte) (*HTTPRequest, error) {
	if !LooksHTTPRequest(payload) {
		return nil, models.NewParseError("http", "not a request")
	}
	br := bufio.NewReader(bytes.NewReader(payload))
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, models.NewParseError("http", "%v", err)
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	truncated := false
	if err != nil {
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, models.NewParseError("http", "body: %v", err)
		}
		truncated = true
	}

	return &HTTPRequest{
		Method:      req.Method,
		URI:         req.RequestURI,
		Path:        req.URL.Path,
		Query:       req.URL.RawQuery,
		Host:        req.Host,
		UserAgent:   req.UserAgent(),
		ContentType: strings.ToLower(req.Header.Get("Content-Type")),
		Header:      req.Header,
		Body:        body,
		Truncated:   truncated,
	}, nil
}

// HostName returns the Host header without a port.
func (r *HTTPRequest) HostName() string {
	h := r.Host
	if i := strings.LastIndexByte(h, ':'); i >= 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	return strings.ToLower(strings.Trim(h, "[]"))
}

// Components returns the attacker controlled parts of the request, URL
// decoded up to twice so double-encoded payloads are exposed.
func (r *HTTPRequest) Components() []string {
	out := []string{Decode(r.URI)}
	if len(r.Body) > 0 {
		out = append(out, Decode(string(r.Body)))
	}
	for _, h := range []string{"Cookie", "Referer", "User-Agent", "X-Forwarded-For"} {
		if v := r.Header.Get(h); v != "" {
			out = append(out, Decode(v))
		}
	}
	return out
}

// Decode percent-decodes s at most twice and lowercases the result.
func Decode(s string) string {
	for i := 0; i < 2; i++ {
		if !strings.ContainsAny(s, "%+") {
			break
		}
		d, err := url.QueryUnescape(s)
		if err != nil || d == s {
			break
		}
		s = d
	}
	return strings.ToLower(s)
}

// LooksHTTPResponse reports whether payload starts with an HTTP status line.
func LooksHTTPResponse(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("HTTP/1.")) || bytes.HasPrefix(payload, []byte("HTTP/2"))
}

// LooksSSH reports whether payload is an SSH identification string.
func LooksSSH(payload []byte) bool {
	return bytes.HasPrefix(payload, []byte("SSH-"))
}

// LooksTLS reports whether payload starts with a TLS handshake record.
func LooksTLS(payload []byte) bool {
	return len(payload) >= 6 && payload[0] == 0x16 && payload[1] == 0x03 && payload[2] <= 0x04 && payload[5] <= 0x02
}

// Signature names the protocol a payload announces, or "" when unknown.
func Signature(payload []byte) string {
	switch {
	case LooksHTTPRequest(payload), LooksHTTPResponse(payload):
		return "http"
	case LooksSSH(payload):
		return "ssh"
	case LooksTLS(payload):
		return "tls"
	}
	return ""
}
