// Package fileresource resolves a request URI to a file under the
// document root, loads it whole, and derives its MIME type and
// modification time. Grounded on src/http.c's load_uri and
// add_mime_extension; the MIME table's shape (a suffix-keyed lookup) also
// follows the teacher's caddyhttp/mime/mime.go Config map.
package fileresource

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/liso-project/lisod/lisoerr"
)

// mimeTable is the closed suffix table from spec.md §4.3; first match
// wins and lookups are case-insensitive, matching src/http.c's TYPES/MIME
// parallel arrays.
var mimeTable = []struct {
	suffix string
	mime   string
}{
	{".jpeg", "image/jpeg"},
	{".gif", "image/gif"},
	{".png", "image/png"},
	{".js", "application/javascript"},
	{".json", "application/json"},
	{".css", "text/css"},
	{".html", "text/html"},
	{".txt", "text/plain"},
}

const defaultMIME = "application/octet-stream"

// MIMEFor derives a MIME type from path's suffix.
func MIMEFor(path string) string {
	lower := strings.ToLower(path)
	for _, e := range mimeTable {
		if strings.HasSuffix(lower, e.suffix) {
			return e.mime
		}
	}
	return defaultMIME
}

// Resource is a loaded static file.
type Resource struct {
	Body    []byte
	MIME    string
	ModTime time.Time
}

// Load resolves uri under docRoot and reads the whole file into memory.
// Resolution is document-root-concatenation with no traversal protection
// (spec.md §9.2) and the query string, if any, is retained in the path
// passed to stat (spec.md §9.3) — both reproduce the original's observable
// behavior rather than hardening it.
func Load(docRoot, uri string) (*Resource, error) {
	path := filepath.Join(docRoot, uri)

	info, err := os.Stat(path)
	if err != nil {
		return nil, lisoerr.ErrLoadFailed
	}
	if info.IsDir() {
		return nil, lisoerr.ErrLoadFailed
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, lisoerr.ErrLoadFailed
	}

	return &Resource{
		Body:    body,
		MIME:    MIMEFor(path),
		ModTime: info.ModTime(),
	}, nil
}
