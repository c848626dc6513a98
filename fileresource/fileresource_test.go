package fileresource

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/liso-project/lisod/lisoerr"
)

func TestMIMEFor(t *testing.T) {
	cases := map[string]string{
		"/a.jpeg":       "image/jpeg",
		"/a.GIF":        "image/gif",
		"/a.png":        "image/png",
		"/a.js":         "application/javascript",
		"/a.json":       "application/json",
		"/a.css":        "text/css",
		"/a.html":       "text/html",
		"/a.txt":        "text/plain",
		"/a.bin":        "application/octet-stream",
		"/noextension":  "application/octet-stream",
	}
	for path, want := range cases {
		if got := MIMEFor(path); got != want {
			t.Errorf("MIMEFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestLoadServesExistingFile(t *testing.T) {
	dir := t.TempDir()
	want := []byte("Hello, world!")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), want, 0o644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(dir, "hello.txt"), mtime, mtime); err != nil {
		t.Fatal(err)
	}

	res, err := Load(dir, "/hello.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Body) != string(want) {
		t.Errorf("body = %q, want %q", res.Body, want)
	}
	if res.MIME != "text/plain" {
		t.Errorf("mime = %q", res.MIME)
	}
	if !res.ModTime.Equal(mtime) {
		t.Errorf("mtime = %v, want %v", res.ModTime, mtime)
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir, "/nope")
	if !errors.Is(err, lisoerr.ErrLoadFailed) {
		t.Fatalf("error = %v, want ErrLoadFailed", err)
	}
}

// A trailing query string is retained in the stat path verbatim
// (spec.md §9 open question 3): an existing file 404s when the request
// URI carries a query string, since no file named "hello.txt?x=1" exists.
func TestLoadQueryStringNotStripped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(dir, "/hello.txt?x=1")
	if !errors.Is(err, lisoerr.ErrLoadFailed) {
		t.Fatalf("error = %v, want ErrLoadFailed (query string should not be stripped)", err)
	}
}
