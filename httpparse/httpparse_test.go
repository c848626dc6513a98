package httpparse

import (
	"errors"
	"testing"

	"github.com/liso-project/lisod/lisoerr"
)

func TestScanHeaderTerminator(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
		ok   bool
	}{
		{"empty", "", 0, false},
		{"no terminator", "GET / HTTP/1.1\r\nHost: x\r\n", 0, false},
		{"minimal", "\r\n\r\n", 4, true},
		{"request then terminator", "GET / HTTP/1.1\r\nHost: x\r\n\r\n", 27, true},
		{"terminator then trailing body", "GET / HTTP/1.1\r\n\r\nbody", 18, true},
		{"lone CRs never terminate", "GET / HTTP/1.1\r\r\r", 0, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := scanHeaderTerminator([]byte(c.in))
			if ok != c.ok {
				t.Fatalf("ok = %v, want %v", ok, c.ok)
			}
			if ok && got != c.want {
				t.Fatalf("offset = %d, want %d", got, c.want)
			}
		})
	}
}

func TestParseNeedsMore(t *testing.T) {
	req, err := Parse([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Fatalf("expected needs-more (nil request), got %+v", req)
	}
}

func TestParseRequestLine(t *testing.T) {
	raw := "GET /hello.txt?x=1 HTTP/1.1\r\nHost: example.com\r\nAccept: text/html\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil {
		t.Fatal("expected a parsed request")
	}
	if req.Method != "GET" {
		t.Errorf("method = %q, want GET", req.Method)
	}
	if req.URI != "/hello.txt?x=1" {
		t.Errorf("uri = %q", req.URI)
	}
	if req.Version != "HTTP/1.1" {
		t.Errorf("version = %q", req.Version)
	}
	if req.HeaderLen != len(raw) {
		t.Errorf("header_len = %d, want %d", req.HeaderLen, len(raw))
	}
	if v, ok := req.Header("host"); !ok || v != "example.com" {
		t.Errorf("Host lookup = %q, %v", v, ok)
	}
}

func TestParseDuplicateHeaderFirstWins(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nConnection: close\r\nConnection: keep-alive\r\n\r\n"
	req, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := req.Header("Connection")
	if !ok || v != "close" {
		t.Fatalf("Connection = %q, %v; want first occurrence \"close\"", v, ok)
	}
}

func TestParseMalformedRequestLine(t *testing.T) {
	cases := []string{
		"NOTHINGHERE\r\n\r\n",
		"GET /\r\n\r\n",
		"GET HTTP/1.1\r\n\r\n",
	}
	for _, in := range cases {
		_, err := Parse([]byte(in))
		if !errors.Is(err, lisoerr.ErrMalformed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", in, err)
		}
	}
}

func TestParseMalformedHeaderLine(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nNoColonHere\r\n\r\n"
	_, err := Parse([]byte(raw))
	if !errors.Is(err, lisoerr.ErrMalformed) {
		t.Fatalf("error = %v, want ErrMalformed", err)
	}
}
