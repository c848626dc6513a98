// Package httpparse implements the HTTP/1.1 message-framing and
// header-tokenizing half of the request parser (spec.md §4.1). It is
// grounded on src/parse.c's four-state header-terminator scanner and
// src/parse.y's request-line/header grammar (not reimplementable verbatim
// in Go, since it was yacc-generated; reimplemented here as a hand-written
// tokenizer over the RFC 7230 token classes the grammar itself encoded).
//
// The parser never reads the message body: it reports only the header
// section's length, leaving Content-Length handling to the caller.
package httpparse

import (
	"bytes"

	"github.com/liso-project/lisod/lisoerr"
)

// Header is one (name, value) pair in wire order. Name and Value are
// copies of the bytes they were parsed from, so a Request stays valid
// after the buffer it was parsed from is reused.
type Header struct {
	Name  string
	Value string
}

// Request is the immutable result of a single successful parse.
type Request struct {
	Method    string
	URI       string
	Version   string
	Headers   []Header
	HeaderLen int // bytes consumed by the header section, including the terminating CRLFCRLF
}

// Header returns the value of the first header matching name
// case-insensitively, and whether it was present.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if strEqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Parse attempts to frame and tokenize one HTTP/1.1 request from the
// start of buf. It returns (nil, nil) when buf does not yet contain a
// complete header section (the caller should wait for more bytes), a
// non-nil Request on success, or a non-nil error (always
// lisoerr.ErrMalformed) when the bytes present can never form a valid
// request regardless of what follows.
func Parse(buf []byte) (*Request, error) {
	termEnd, ok := scanHeaderTerminator(buf)
	if !ok {
		return nil, nil
	}

	headerSection := buf[:termEnd]
	lines := splitCRLFLines(headerSection)
	if len(lines) == 0 {
		return nil, lisoerr.ErrMalformed
	}

	method, uri, version, err := parseRequestLine(lines[0])
	if err != nil {
		return nil, err
	}

	headers := make([]Header, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue // the blank line preceding the terminator
		}
		h, err := parseHeaderLine(line)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}

	return &Request{
		Method:    method,
		URI:       uri,
		Version:   version,
		Headers:   headers,
		HeaderLen: termEnd,
	}, nil
}

// terminatorState walks src/parse.c's STATE_START..STATE_CRLFCRLF machine:
// any byte outside the expected next byte of "\r\n\r\n" resets to start,
// except that a \r always restarts the sequence at STATE_CR.
type terminatorState int

const (
	stateStart terminatorState = iota
	stateCR
	stateCRLF
	stateCRLFCR
)

// scanHeaderTerminator returns the offset just past the first "\r\n\r\n"
// in buf, or false if no terminator is present yet.
func scanHeaderTerminator(buf []byte) (int, bool) {
	state := stateStart
	for i, b := range buf {
		switch state {
		case stateStart:
			if b == '\r' {
				state = stateCR
			}
		case stateCR:
			if b == '\n' {
				state = stateCRLF
			} else if b == '\r' {
				state = stateCR
			} else {
				state = stateStart
			}
		case stateCRLF:
			if b == '\r' {
				state = stateCRLFCR
			} else {
				state = stateStart
			}
		case stateCRLFCR:
			if b == '\n' {
				return i + 1, true
			} else if b == '\r' {
				state = stateCR
			} else {
				state = stateStart
			}
		}
	}
	return 0, false
}

// splitCRLFLines splits a header section into individual CRLF-delimited
// lines. Given a section that ends in the CRLFCRLF terminator, the last
// line returned is the empty line between its two CRLFs.
func splitCRLFLines(section []byte) [][]byte {
	var lines [][]byte
	for len(section) > 0 {
		idx := bytes.Index(section, []byte("\r\n"))
		if idx < 0 {
			lines = append(lines, section)
			break
		}
		lines = append(lines, section[:idx])
		section = section[idx+2:]
	}
	return lines
}

// parseRequestLine tokenizes "METHOD SP URI SP VERSION" per RFC 7230 §3.1.1.
func parseRequestLine(line []byte) (method, uri, version string, err error) {
	first := bytes.IndexByte(line, ' ')
	if first < 0 {
		return "", "", "", lisoerr.ErrMalformed
	}
	rest := line[first+1:]
	second := bytes.IndexByte(rest, ' ')
	if second < 0 {
		return "", "", "", lisoerr.ErrMalformed
	}

	methodBytes := line[:first]
	uriBytes := rest[:second]
	versionBytes := trimOWS(rest[second+1:])

	if len(methodBytes) == 0 || len(uriBytes) == 0 || len(versionBytes) == 0 {
		return "", "", "", lisoerr.ErrMalformed
	}
	if !allToken(methodBytes) {
		return "", "", "", lisoerr.ErrMalformed
	}
	if !allURIChar(uriBytes) {
		return "", "", "", lisoerr.ErrMalformed
	}
	// The version is a single token: a further space (a request line with
	// more than three parts) or a control byte is a syntax error.
	if !allURIChar(versionBytes) {
		return "", "", "", lisoerr.ErrMalformed
	}

	return string(methodBytes), string(uriBytes), string(versionBytes), nil
}

// parseHeaderLine tokenizes `NAME ":" OWS VALUE OWS` per RFC 7230 §3.2.
// A space before the colon is a syntax error (request smuggling class of
// bug in permissive parsers); spec.md §4.1 is strict about the terminator
// but forgiving of trailing whitespace, so only the name side is strict.
func parseHeaderLine(line []byte) (Header, error) {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return Header{}, lisoerr.ErrMalformed
	}
	name := line[:colon]
	if !allToken(name) {
		return Header{}, lisoerr.ErrMalformed
	}
	value := trimOWS(line[colon+1:])
	return Header{Name: string(name), Value: string(value)}, nil
}

// trimOWS strips leading/trailing optional whitespace (SP / HTAB).
func trimOWS(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t') {
		b = b[1:]
	}
	for len(b) > 0 && (b[len(b)-1] == ' ' || b[len(b)-1] == '\t') {
		b = b[:len(b)-1]
	}
	return b
}

// isTChar reports whether b is a valid RFC 7230 §3.2.6 tchar, the
// character class legal in a method name or header field name.
func isTChar(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func allToken(b []byte) bool {
	for _, c := range b {
		if !isTChar(c) {
			return false
		}
	}
	return true
}

// allURIChar rejects control bytes and bare spaces; it is deliberately
// permissive otherwise (spec.md §9.2: no path normalization or traversal
// protection is performed here, matching the original's observable
// behavior).
func allURIChar(b []byte) bool {
	for _, c := range b {
		if c < 0x21 || c == 0x7f {
			return false
		}
	}
	return true
}

func strEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
