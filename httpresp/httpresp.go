// Package httpresp builds and serializes HTTP/1.1 responses bit-exactly
// per spec.md §4.2. It is grounded on src/http.c's populate_basic_response,
// add_header/add_content_length/add_time/add_last_modified, and
// convert_response_to_byte_stream, which together perform the same
// append-header-then-flatten sequence implemented here as an ordered
// slice of (name, value) pairs instead of a fixed-size char[] header table.
package httpresp

import (
	"errors"
	"fmt"
	"time"

	"github.com/liso-project/lisod/lisoerr"
)

// imfFixdate is the Go reference-time layout for RFC 7231 IMF-fixdate,
// e.g. "Sun, 06 Nov 1994 08:49:37 GMT" (src/http.c add_time's
// strftime("%a, %d %b %Y %H:%M:%S %Z") equivalent).
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// ServerSoftware is the literal Server header value (src/http.h SERVER_NAME).
const ServerSoftware = "liso/1.0"

type header struct {
	name  string
	value string
}

// Response is built incrementally then serialized once.
type Response struct {
	Status  int
	Reason  string
	headers []header
	body    []byte
}

// Now is overridable by tests; defaults to time.Now.
var Now = time.Now

func newBase(status int, reason string) *Response {
	r := &Response{Status: status, Reason: reason}
	r.headers = append(r.headers,
		header{"Server", ServerSoftware},
		header{"Date", Now().UTC().Format(imfFixdate)},
		header{"Connection", "keep-alive"},
		header{"Content-Length", "0"},
	)
	return r
}

// NewOK starts a 200 OK response.
func NewOK() *Response {
	return newBase(200, "OK")
}

// errorStatus maps the taxonomy's error kinds to (status, reason), per
// spec.md §4.2's table. BadRequest, MemFail, and anything unrecognized
// fall into the 400 bucket, matching src/http.c's generate_error_response.
func errorStatus(kind error) (int, string) {
	switch {
	case errors.Is(kind, lisoerr.ErrLoadFailed):
		return 404, "Not Found"
	case errors.Is(kind, lisoerr.ErrTimeout):
		return 408, "Request Timeout"
	case errors.Is(kind, lisoerr.ErrUnsupportedMethod):
		return 501, "Not Implemented"
	case errors.Is(kind, lisoerr.ErrBadVersion):
		return 505, "HTTP Version Not Supported"
	default:
		return 400, "Bad Request"
	}
}

// NewError builds the canonical error response for kind: an empty body,
// Content-Type: text/html, and Connection forced to close when kind is
// ErrTimeout (spec.md §4.2).
func NewError(kind error) *Response {
	status, reason := errorStatus(kind)
	r := newBase(status, reason)
	r.headers = append(r.headers, header{"Content-Type", "text/html"})
	if errors.Is(kind, lisoerr.ErrTimeout) {
		r.SetConnection(false)
	}
	return r
}

// SetBody attaches a body and its MIME type, updating Content-Length to
// match (a nil body gives Content-Length: 0). HEAD responses use
// SetHeadBody instead.
func (r *Response) SetBody(body []byte, mime string) {
	r.setHeader("Content-Type", mime)
	r.body = body
	r.setHeader("Content-Length", fmt.Sprintf("%d", len(body)))
}

// SetHeadBody is SetBody for a HEAD response: Content-Length reflects the
// resource's real size but no body bytes are serialized (spec.md §4.7.2).
func (r *Response) SetHeadBody(mime string, contentLength int) {
	r.setHeader("Content-Type", mime)
	r.body = nil
	r.setHeader("Content-Length", fmt.Sprintf("%d", contentLength))
}

// SetLastModified sets the Last-Modified header, formatted identically to
// Date (spec.md §4.3).
func (r *Response) SetLastModified(t time.Time) {
	r.setHeader("Last-Modified", t.UTC().Format(imfFixdate))
}

// SetConnection sets the Connection header to "keep-alive" or "close".
func (r *Response) SetConnection(keepAlive bool) {
	if keepAlive {
		r.setHeader("Connection", "keep-alive")
	} else {
		r.setHeader("Connection", "close")
	}
}

// Connection reports the current Connection header value.
func (r *Response) Connection() string {
	for _, h := range r.headers {
		if h.name == "Connection" {
			return h.value
		}
	}
	return "keep-alive"
}

func (r *Response) setHeader(name, value string) {
	for i := range r.headers {
		if r.headers[i].name == name {
			r.headers[i].value = value
			return
		}
	}
	r.headers = append(r.headers, header{name, value})
}

// Serialize flattens the response into its bit-exact wire form: status
// line, headers in insertion order, a blank line, then the raw body
// (src/http.c convert_response_to_byte_stream).
func (r *Response) Serialize() []byte {
	out := make([]byte, 0, 256+len(r.body))
	out = append(out, fmt.Sprintf("HTTP/1.1 %d %s\r\n", r.Status, r.Reason)...)
	for _, h := range r.headers {
		out = append(out, fmt.Sprintf("%s: %s\r\n", h.name, h.value)...)
	}
	out = append(out, "\r\n"...)
	out = append(out, r.body...)
	return out
}
