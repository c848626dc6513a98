package reactor

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/liso-project/lisod/cgi"
	"github.com/liso-project/lisod/conntable"
	"github.com/liso-project/lisod/fileresource"
	"github.com/liso-project/lisod/httpparse"
	"github.com/liso-project/lisod/httpresp"
	"github.com/liso-project/lisod/lisoconfig"
	"github.com/liso-project/lisod/lisoerr"
)

// serviceClient is handle_read (spec.md §4.7): drain the kernel receive
// buffer, then frame and dispatch as many complete requests as the
// buffer holds.
func (s *Server) serviceClient(fd int) {
	conn, handle := s.table.Lookup(fd)
	if conn == nil {
		return
	}
	if conn.CGIPending {
		// Suspended until its outstanding CGI response is delivered
		// (spec.md §4.5 ChildSpawned); epoll interest was removed in
		// startCGI, so this is a defensive no-op in the normal run.
		return
	}

	eof, err := s.drain(conn)
	if err != nil {
		s.log.Warn("client read failed", zap.String("remote_addr", conn.RemoteAddr), zap.Error(err))
		s.closeClient(fd)
		return
	}
	if eof && len(conn.Buf) == 0 {
		s.closeClient(fd)
		return
	}

	closeAfter := s.dispatchLoop(conn, handle)

	if closeAfter || (eof && len(conn.Buf) == 0) {
		s.closeClient(fd)
		return
	}
	if _, h := s.table.Lookup(fd); h.Valid() {
		s.table.Touch(h)
	}
}

// drain performs repeated nonblocking reads into conn.Buf until a short
// read or EOF (spec.md §4.7's first paragraph).
func (s *Server) drain(conn *conntable.Connection) (eof bool, err error) {
	chunk := make([]byte, 8192)
	for {
		n, rerr := unix.Read(conn.FD, chunk)
		if n > 0 {
			conn.Buf = append(conn.Buf, chunk[:n]...)
		}
		if n == 0 && rerr == nil {
			return true, nil
		}
		if rerr != nil {
			if rerr == unix.EAGAIN {
				return false, nil
			}
			if rerr == unix.EINTR {
				continue
			}
			return false, rerr
		}
		if n < len(chunk) {
			return false, nil
		}
	}
}

// dispatchLoop frames and routes one request at a time from conn.Buf,
// returning true when the connection should be closed after the loop.
func (s *Server) dispatchLoop(conn *conntable.Connection, handle conntable.Handle) bool {
	for {
		req, err := httpparse.Parse(conn.Buf)
		if err != nil {
			resp := httpresp.NewError(lisoerr.ErrBadRequest)
			resp.SetConnection(false)
			s.reply(conn, resp)
			return true
		}
		if req == nil {
			return false // needs more bytes
		}

		contentLength := 0
		if cl, ok := req.Header("Content-Length"); ok {
			if n, perr := strconv.Atoi(strings.TrimSpace(cl)); perr == nil && n >= 0 {
				contentLength = n
			}
		}
		total := req.HeaderLen + contentLength
		if len(conn.Buf) < total {
			return false // needs more of this request's body
		}

		if req.Version != "HTTP/1.1" {
			s.reply(conn, httpresp.NewError(lisoerr.ErrBadVersion))
			conn.Buf = conn.Buf[total:]
			if connectionWantsClose(req) {
				return true
			}
			continue
		}
		if !isSupportedMethod(req.Method) {
			s.reply(conn, httpresp.NewError(lisoerr.ErrUnsupportedMethod))
			conn.Buf = conn.Buf[total:]
			if connectionWantsClose(req) {
				return true
			}
			continue
		}

		body := append([]byte(nil), conn.Buf[req.HeaderLen:total]...)
		closeWanted := connectionWantsClose(req)

		switch {
		case strings.HasPrefix(req.URI, lisoconfig.CGIPrefix):
			spawned := s.startCGI(req, body, conn, handle)
			conn.Buf = conn.Buf[total:]
			if !spawned {
				// No pipe was registered, so no event will ever arrive
				// to resume framing; drain whatever is already
				// buffered behind the failed request instead of
				// stalling it until the idle reaper intervenes.
				continue
			}
			// A pipelined request after a CGI request is left buffered
			// (spec.md §4.7 step 5): stop this tick's loop. The host is
			// suspended from dispatch until the pipe reaches Done.
			return false

		case req.Method == "GET":
			s.serveStatic(conn, req, false)
		case req.Method == "HEAD":
			s.serveStatic(conn, req, true)
		case req.Method == "POST":
			// Echoes the raw request bytes back verbatim (spec.md §9
			// open question 1; decision recorded in SPEC_FULL.md).
			sendAll(conn.FD, conn.Buf[:total])
		}

		conn.Buf = conn.Buf[total:]

		if closeWanted {
			return true
		}
	}
}

func isSupportedMethod(m string) bool {
	return m == "GET" || m == "HEAD" || m == "POST"
}

func connectionWantsClose(req *httpparse.Request) bool {
	v, ok := req.Header("Connection")
	return ok && strings.EqualFold(strings.TrimSpace(v), "close")
}

// reply serializes and sends resp, retrying partial writes via sendAll.
// A send failure is logged only: reply does not close the client, and
// dispatchLoop goes on framing the buffered requests.
func (s *Server) reply(conn *conntable.Connection, resp *httpresp.Response) {
	if err := sendAll(conn.FD, resp.Serialize()); err != nil {
		s.log.Warn("send failed", zap.String("remote_addr", conn.RemoteAddr), zap.Error(err))
	}
}

// serveStatic implements the GET/HEAD classification branch (spec.md
// §4.7 step 5): load the file, build the response, or 404 on failure.
func (s *Server) serveStatic(conn *conntable.Connection, req *httpparse.Request, head bool) {
	res, err := fileresource.Load(s.cfg.DocRoot, req.URI)
	if err != nil {
		s.reply(conn, httpresp.NewError(lisoerr.ErrLoadFailed))
		return
	}

	resp := httpresp.NewOK()
	resp.SetLastModified(res.ModTime)
	if head {
		resp.SetHeadBody(res.MIME, len(res.Body))
	} else {
		resp.SetBody(res.Body, res.MIME)
	}
	if connectionWantsClose(req) {
		resp.SetConnection(false)
	}
	s.reply(conn, resp)
}

// startCGI spawns the configured CGI script and registers its stdout as
// a pseudo-connection bound back to conn (spec.md §4.5). It reports
// whether the spawn succeeded; on success the host is suspended from
// read dispatch until the pipe's response is delivered (finishCGI
// re-arms it), keeping responses in request order (spec.md §5).
func (s *Server) startCGI(req *httpparse.Request, body []byte, conn *conntable.Connection, hostHandle conntable.Handle) bool {
	pipe, err := cgi.Start(req, body, conn.RemoteAddr, conn.RemotePort, s.cfg, s.log)
	if err != nil {
		s.reply(conn, httpresp.NewError(lisoerr.ErrCGISpawnFailed))
		return false
	}

	pipeFD := int(pipe.Stdout.Fd())
	unix.SetNonblock(pipeFD, true)

	pseudo := &conntable.Connection{
		FD:   pipeFD,
		Kind: conntable.CgiPipe,
		Host: hostHandle,
	}
	s.table.Add(pseudo)
	s.pipes[pipeFD] = pipe

	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, pipeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pipeFD)}); err != nil {
		s.log.Warn("epoll_ctl add cgi pipe failed", zap.Error(err))
	}

	conn.CGIPending = true
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, conn.FD, nil); err != nil {
		s.log.Warn("epoll_ctl suspend host failed", zap.Error(err))
	}

	return true
}
