// Package reactor is the single-threaded, readiness-driven event loop
// (spec.md §4.6) and the request dispatcher it drives (spec.md §4.7).
// Grounded on src/liso.c's original select() loop, generalized to epoll
// the way the teacher's listen_unix.go/listen_linux.go reach for
// golang.org/x/sys/unix instead of the stdlib net package whenever raw fd
// control (socket options, non-blocking I/O) is required.
package reactor

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/liso-project/lisod/cgi"
	"github.com/liso-project/lisod/conntable"
	"github.com/liso-project/lisod/httpresp"
	"github.com/liso-project/lisod/lisoconfig"
	"github.com/liso-project/lisod/lisoerr"
)

// Server owns the listen socket, the epoll instance, and the connection
// table. Every field is touched only from the single goroutine that
// calls Run — the concurrency model spec.md §5 requires.
type Server struct {
	cfg *lisoconfig.Config
	log *zap.Logger

	epfd     int
	listenFD int

	table   *conntable.Table
	pipes   map[int]*cgi.Pipe
	corrIDs map[int]string
}

// New builds a Server bound to cfg's port but does not yet start
// listening (see Listen).
func New(cfg *lisoconfig.Config, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		log:     log,
		table:   conntable.New(),
		pipes:   make(map[int]*cgi.Pipe),
		corrIDs: make(map[int]string),
	}
}

// Listen creates the IPv4 listen socket with SO_REUSEADDR, binds cfg.Port,
// and starts listening with the spec-mandated backlog (spec.md §6).
func (s *Server) Listen() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: s.cfg.Port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, lisoconfig.ListenBacklog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblock: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("epoll_create1: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return fmt.Errorf("epoll_ctl add listener: %w", err)
	}

	s.listenFD = fd
	s.epfd = epfd
	s.log.Info("listening", zap.Int("port", s.cfg.Port))
	return nil
}

// Run drives the event loop until an unrecoverable epoll error occurs.
// Each tick waits at most IdleTimeoutSeconds (so a fully idle loop still
// runs the reaper), dispatches every ready descriptor once, then sweeps
// idle connections (spec.md §4.6).
func (s *Server) Run() error {
	events := make([]unix.EpollEvent, 256)
	for {
		n, err := unix.EpollWait(s.epfd, events, lisoconfig.IdleTimeoutSeconds*1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == s.listenFD:
				s.acceptAll()
			default:
				if pipe, ok := s.pipes[fd]; ok {
					s.serviceCGIPipe(fd, pipe)
				} else {
					s.serviceClient(fd)
				}
			}
		}

		s.reapIdle()
	}
}

// acceptAll drains the accept queue: on EMFILE/ENFILE it logs and
// continues (spec.md §5's implicit back-pressure via the listen backlog).
func (s *Server) acceptAll() {
	for {
		nfd, sa, err := unix.Accept(s.listenFD)
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			if err == unix.EMFILE || err == unix.ENFILE {
				s.log.Warn("accept: descriptor limit reached", zap.Error(err))
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			return
		}

		unix.SetNonblock(nfd, true)
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		remoteAddr, remotePort := peerAddr(sa)

		conn := &conntable.Connection{
			FD:         nfd,
			Kind:       conntable.ClientSocket,
			RemoteAddr: remoteAddr,
			RemotePort: remotePort,
		}
		s.table.Add(conn)
		s.corrIDs[nfd] = uuid.New().String()

		if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(nfd)}); err != nil {
			s.log.Warn("epoll_ctl add client failed", zap.Error(err))
			unix.Close(nfd)
			continue
		}

		s.log.Info("accepted",
			zap.String("corr_id", s.corrIDs[nfd]),
			zap.String("remote_addr", remoteAddr),
			zap.Int("remote_port", remotePort))
	}
}

func peerAddr(sa unix.Sockaddr) (string, int) {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		a := in4.Addr
		return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3]), in4.Port
	}
	return "", 0
}

// serviceCGIPipe drains a readable CGI stdout pipe; on EOF it flushes the
// collected bytes to the pipe's host and removes the pipe from both the
// table and the interest set (spec.md §4.5's state machine).
func (s *Server) serviceCGIPipe(fd int, pipe *cgi.Pipe) {
	done, err := pipe.Drain()
	if err != nil {
		s.log.Warn("cgi pipe read failed", zap.Int("fd", fd), zap.Error(err))
		s.finishCGI(fd, pipe, nil)
		return
	}
	if !done {
		// More data will arrive on a future tick; touch so a slow CGI
		// script mid-transfer is not mistaken for an idle connection.
		if _, h := s.table.Lookup(fd); h.Valid() {
			s.table.Touch(h)
		}
		return
	}
	s.finishCGI(fd, pipe, pipe.Collected())
}

func (s *Server) finishCGI(fd int, pipe *cgi.Pipe, collected []byte) {
	_, pseudoHandle := s.table.Lookup(fd)
	var host *conntable.Connection
	if pseudoHandle.Valid() {
		if pc := s.table.Get(pseudoHandle); pc != nil {
			host = s.table.Get(pc.Host)
		}
		s.table.Remove(pseudoHandle)
	}

	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(s.pipes, fd)
	pipe.Close()

	if host == nil {
		// Host already closed/timed out; the pending write is elided
		// per spec.md §5's cancellation semantics.
		return
	}

	if len(collected) > 0 {
		if err := sendAll(host.FD, collected); err != nil {
			s.log.Warn("cgi response delivery failed", zap.Error(err))
			s.closeClient(host.FD)
			return
		}
	}

	s.log.Info("cgi completed", cgi.CompletionFields(host.RemoteAddr, len(collected))...)

	// Re-arm the host now that its CGI response has been delivered in
	// order (spec.md §4.5 Done: "host re-armed for next pipelined
	// request or idle"); it was suspended from dispatch in startCGI.
	host.CGIPending = false
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, host.FD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(host.FD)}); err != nil {
		s.log.Warn("epoll_ctl re-add host failed", zap.Error(err))
	}

	if _, h := s.table.Lookup(host.FD); h.Valid() {
		s.table.Touch(h)
	}
}

// reapIdle sweeps the connection table head repeatedly; each reaped
// ClientSocket gets a best-effort 408 before closing, matching spec.md
// §4.6 step 3. A reaped CgiPipe (an unusually slow or hung script) is
// simply torn down.
func (s *Server) reapIdle() {
	for {
		conn, _ := s.table.Reap(lisoconfig.IdleTimeoutSeconds)
		if conn == nil {
			return
		}

		unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, conn.FD, nil)

		if conn.Kind == conntable.ClientSocket {
			resp := httpresp.NewError(lisoerr.ErrTimeout)
			sendAll(conn.FD, resp.Serialize())
			s.log.Info("reaped idle connection", zap.String("remote_addr", conn.RemoteAddr))
		} else if pipe, ok := s.pipes[conn.FD]; ok {
			pipe.Close()
			delete(s.pipes, conn.FD)
		}

		unix.Close(conn.FD)
		delete(s.corrIDs, conn.FD)
	}
}

func (s *Server) closeClient(fd int) {
	if conn, h := s.table.Lookup(fd); h.Valid() {
		unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		s.table.Remove(h)
		unix.Close(conn.FD)
		delete(s.corrIDs, fd)
	}
}

// Shutdown kills every outstanding CGI child in one signal: children all
// share the server's own pid as their process group (cgi.Start sets
// Pgid: os.Getpid()), so a single killpg tears the whole family down
// (spec.md §5).
func (s *Server) Shutdown() {
	syscall.Kill(-os.Getpid(), syscall.SIGTERM)
}

// Close releases the epoll instance and listen socket.
func (s *Server) Close() {
	unix.Close(s.epfd)
	unix.Close(s.listenFD)
}

// sendAll retries partial writes until the buffer is fully delivered or
// the socket fails fatally (spec.md §4.7 "Failure semantics").
func sendAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				runtime.Gosched()
				continue
			}
			return err
		}
		data = data[n:]
	}
	return nil
}
