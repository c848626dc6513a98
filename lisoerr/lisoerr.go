// Package lisoerr collects the small, closed set of sentinel errors that
// Liso's components signal between each other. It replaces the C original's
// liso_errors enum (include/liso.h) with typed errors checked via errors.Is,
// so a fallible operation always returns (result, error) rather than mixing
// return codes with out-parameters.
package lisoerr

import "errors"

var (
	// ErrMalformed means the request line or a header line of a complete
	// header section is syntactically invalid. A buffer with no header
	// section terminator yet is not malformed; the parser waits for more.
	ErrMalformed = errors.New("malformed request")

	// ErrBadVersion means the request's HTTP version was not HTTP/1.1.
	ErrBadVersion = errors.New("unsupported http version")

	// ErrUnsupportedMethod means the request method was not GET, HEAD or POST.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrBadRequest is the catch-all for requests that are syntactically
	// fine but otherwise cannot be honored.
	ErrBadRequest = errors.New("bad request")

	// ErrLoadFailed means the file resource could not stat or read the
	// file addressed by a request URI.
	ErrLoadFailed = errors.New("load failed")

	// ErrTimeout means a connection was reaped for exceeding the idle
	// timeout.
	ErrTimeout = errors.New("connection timeout")

	// ErrMemFail means a response could not be constructed due to a
	// resource allocation failure.
	ErrMemFail = errors.New("allocation failed")

	// ErrPeerClosed means the remote end closed its side of the
	// connection; no response is owed.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrFatalSocket means a send or receive on a connection failed in a
	// way that cannot be recovered; the connection must be torn down
	// without attempting to reply.
	ErrFatalSocket = errors.New("fatal socket error")

	// ErrCGISpawnFailed means the CGI orchestrator could not create the
	// pipes or fork/exec the configured script.
	ErrCGISpawnFailed = errors.New("cgi spawn failed")
)
