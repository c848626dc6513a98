// Package cgi implements the CGI/1.1 subprocess orchestrator (spec.md
// §4.5): pipe wiring, environment construction, asynchronous draining of
// the child's stdout back to its originating client. Grounded on
// src/cgi.c's start_process_cgi/wrap_process_cgi/execve_error_handler;
// the environment-map construction idiom follows the teacher's
// caddyhttp/fastcgi/fastcgi.go buildEnv.
package cgi

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/liso-project/lisod/httpparse"
	"github.com/liso-project/lisod/lisoconfig"
	"github.com/liso-project/lisod/lisoerr"
)

// Pipe is a spawned CGI child plus the read end of its stdout, which the
// reactor registers with the event loop as a pseudo-connection. It
// accumulates output across successive Drain calls (spec.md §4.5's
// "growing buffer starting at 4096 bytes, doubling on full fill" — Go's
// append already amortizes this growth, so the explicit doubling loop the
// C original needs is unnecessary here).
type Pipe struct {
	Cmd    *exec.Cmd
	Stdout *os.File
	buf    []byte
}

// Start creates the stdin/stdout pipes, forks the configured CGI script,
// streams the request body to its stdin, and returns the read end of its
// stdout. The child's process group is set to the server's own pid
// (SysProcAttr.Pgid) so a single killpg at shutdown (spec.md §5) tears
// down every outstanding CGI child at once.
func Start(req *httpparse.Request, body []byte, remoteAddr string, remotePort int, cfg *lisoconfig.Config, log *zap.Logger) (*Pipe, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, lisoerr.ErrCGISpawnFailed
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, lisoerr.ErrCGISpawnFailed
	}

	cmd := exec.Command(cfg.CGIScript)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = nil
	cmd.Env = buildEnv(req, body, remoteAddr, remotePort, cfg)
	// Joining the process group whose id is the server's pid only works
	// once the server leads that group, so become its leader if needed.
	if syscall.Getpgrp() != os.Getpid() {
		syscall.Setpgid(0, 0) //nolint:errcheck // cmd.Start reports a group that still does not exist
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    os.Getpid(),
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		log.Error("cgi exec failed", zap.String("script", cfg.CGIScript), zap.Error(execveDiagnostic(err)))
		return nil, lisoerr.ErrCGISpawnFailed
	}

	// Parent closes the child-side ends; it owns only stdinW and stdoutR
	// from here on.
	stdinR.Close()
	stdoutW.Close()

	if _, err := stdinW.Write(body); err != nil && !errors.Is(err, syscall.EPIPE) {
		log.Warn("cgi stdin write failed", zap.Error(err))
	}
	stdinW.Close() // EOF signals end-of-input to the child

	return &Pipe{Cmd: cmd, Stdout: stdoutR}, nil
}

// execveDiagnostic narrows a process-start failure to the underlying
// errno the way src/cgi.c's execve_error_handler switches on errno, so
// the log line names the specific cause (ENOENT, EACCES, ENOEXEC, ...)
// instead of a generic failure.
func execveDiagnostic(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return fmt.Errorf("cgi script not found: %w", err)
		case syscall.EACCES:
			return fmt.Errorf("cgi script not executable: %w", err)
		case syscall.ENOEXEC:
			return fmt.Errorf("cgi script has no valid interpreter line: %w", err)
		}
	}
	return err
}

// Drain performs nonblocking reads from the pipe's stdout, appending to
// its internal buffer. It returns done=true once EOF is observed (the
// child closed its stdout, directly or by exiting).
func (p *Pipe) Drain() (done bool, err error) {
	chunk := make([]byte, 4096)
	for {
		n, rerr := p.Stdout.Read(chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
		}
		if rerr == io.EOF {
			return true, nil
		}
		if rerr != nil {
			if errors.Is(rerr, syscall.EAGAIN) || errors.Is(rerr, os.ErrDeadlineExceeded) {
				return false, nil
			}
			return false, rerr
		}
		if n == 0 {
			return false, nil
		}
	}
}

// Collected returns the bytes accumulated so far.
func (p *Pipe) Collected() []byte { return p.buf }

// Close releases the pipe's file descriptor and reaps the child,
// avoiding a zombie despite SIGCHLD being ignored process-wide (spec.md
// §5). Wait runs in its own goroutine so Close never blocks the event
// loop on a child that has closed its stdout but not yet exited.
func (p *Pipe) Close() {
	p.Stdout.Close()
	go p.Cmd.Wait() //nolint:errcheck // reclaim the process table entry; exit status is not user-visible
}

// buildEnv constructs the fixed, ordered CGI/1.1 environment list
// (spec.md §4.5), mirroring src/http.c's get_http_env variable order
// exactly so a script relying on positional parsing behaves identically.
func buildEnv(req *httpparse.Request, body []byte, remoteAddr string, remotePort int, cfg *lisoconfig.Config) []string {
	uri := req.URI
	query := ""
	scriptName := uri
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		query = uri[idx+1:]
		scriptName = uri[:idx]
	}
	pathInfo := strings.TrimPrefix(scriptName, "/cgi")

	contentLength, _ := req.Header("Content-Length")
	if contentLength == "" && len(body) > 0 {
		contentLength = strconv.Itoa(len(body))
	}
	contentType, _ := req.Header("Content-Type")
	accept, _ := req.Header("Accept")
	referer, _ := req.Header("Referer")
	acceptEncoding, _ := req.Header("Accept-Encoding")
	acceptLanguage, _ := req.Header("Accept-Language")
	acceptCharset, _ := req.Header("Accept-Charset")
	host, _ := req.Header("Host")
	cookie, _ := req.Header("Cookie")
	userAgent, _ := req.Header("User-Agent")
	connection, _ := req.Header("Connection")

	return []string{
		"CONTENT_LENGTH=" + contentLength,
		"CONTENT_TYPE=" + contentType,
		"GATEWAY_INTERFACE=CGI/1.1",
		"PATH_INFO=" + pathInfo,
		"QUERY_STRING=" + query,
		"REMOTE_ADDR=" + remoteAddr,
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + uri,
		"SCRIPT_NAME=" + scriptName,
		"SERVER_PORT=" + strconv.Itoa(cfg.Port),
		"SERVER_PROTOCOL=HTTP/1.1",
		"SERVER_SOFTWARE=liso/1.0",
		"HTTP_ACCEPT=" + accept,
		"HTTP_REFERER=" + referer,
		"HTTP_ACCEPT_ENCODING=" + acceptEncoding,
		"HTTP_ACCEPT_LANGUAGE=" + acceptLanguage,
		"HTTP_ACCEPT_CHARSET=" + acceptCharset,
		"HTTP_HOST=" + host,
		"HTTP_COOKIE=" + cookie,
		"HTTP_USER_AGENT=" + userAgent,
		"HTTP_CONNECTION=" + connection,
	}
}

// CompletionFields builds the structured log fields for a finished CGI
// exchange, formatting the byte count human-readably with humanize.Bytes
// rather than as a raw integer.
func CompletionFields(remoteAddr string, n int) []zap.Field {
	return []zap.Field{
		zap.String("remote_addr", remoteAddr),
		zap.String("bytes", humanize.Bytes(uint64(n))),
	}
}
