// Command lisod is the Liso HTTP/1.1 origin server's entry point.
// Grounded on the teacher's cmd/main.go and cmd/commandfuncs.go: a single
// cobra.Command with positional-only arguments, exit codes distinguishing
// startup failure from a clean shutdown, and a signal-trap goroutine
// isolated from the serving loop (caddy/sigtrap_posix.go).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/liso-project/lisod/httpresp"
	"github.com/liso-project/lisod/lisoconfig"
	"github.com/liso-project/lisod/lisolog"
	"github.com/liso-project/lisod/reactor"
)

// Exit codes, named the way the teacher names ExitCodeFailedStartup.
const (
	ExitCodeFailedStartup = 1
	ExitCodeFatalError    = 2
)

// version is set by the release tooling; "dev" otherwise. Exposed only
// through -v/--version, the one flag alongside the five positional
// arguments (spec.md §6 names no other flags).
var version = "dev"

func main() {
	var showVersion bool

	root := &cobra.Command{
		Use:          "lisod <http_port> <log_file> <lock_file> <www_folder> <cgi_script_path>",
		Short:        "Liso HTTP/1.1 origin server",
		Args:         cobra.ExactArgs(5),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("%s (%s)\n", httpresp.ServerSoftware, version)
				return nil
			}
			return run(args[0], args[1], args[2], args[3], args[4])
		},
	}
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "print the server version and exit")
	root.Args = cobra.MatchAll(func(cmd *cobra.Command, args []string) error {
		if showVersion {
			return nil
		}
		return cobra.ExactArgs(5)(cmd, args)
	})

	pflag.CommandLine.AddFlagSet(root.Flags())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitCodeFailedStartup)
	}
}

func run(portArg, logPath, lockPath, docRoot, cgiScript string) error {
	cfg, err := lisoconfig.New(portArg, logPath, lockPath, docRoot, cgiScript)
	if err != nil {
		return err
	}

	logFile, err := lisolog.Open(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()
	log := lisolog.L()

	lockFD, acquired, err := acquireLock(cfg.LockPath)
	if err != nil {
		return fmt.Errorf("acquiring lock file: %w", err)
	}
	if !acquired {
		// Another instance already holds the lock: exit 0, per spec.md
		// §6's lock-file contract.
		log.Info("another instance is already running; exiting")
		return nil
	}
	defer unix.Close(lockFD)

	ignoreDisruptiveSignals()

	srv := reactor.New(cfg, log)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer srv.Close()

	trapSIGTERM(srv, log)

	log.Info("lisod started",
		zap.Int("port", cfg.Port),
		zap.String("doc_root", cfg.DocRoot),
		zap.String("cgi_script", cfg.CGIScript))

	if err := srv.Run(); err != nil {
		log.Error("event loop exited", zap.Error(err))
		os.Exit(ExitCodeFatalError)
	}
	return nil
}

// acquireLock opens lockPath and takes a non-blocking exclusive flock.
// acquired is false when another instance already holds it.
func acquireLock(lockPath string) (fd int, acquired bool, err error) {
	fd, err = unix.Open(lockPath, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, false, err
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return -1, false, nil
		}
		return -1, false, err
	}
	return fd, true, nil
}

// ignoreDisruptiveSignals sets SIGPIPE and SIGCHLD to be ignored
// (spec.md §5): writes to a closed socket return EPIPE instead of
// terminating the process, and CGI children are reaped explicitly by
// package cgi rather than via a SIGCHLD handler.
func ignoreDisruptiveSignals() {
	signal.Ignore(syscall.SIGPIPE, syscall.SIGCHLD)
}

// trapSIGTERM isolates signal handling in its own goroutine, the one
// deliberate departure from the single-threaded reactor loop, mirroring
// how the teacher isolates trapSignalsPosix from the HTTP serving loop.
func trapSIGTERM(srv *reactor.Server, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("SIGTERM received, shutting down")
		srv.Shutdown()
		srv.Close()
		os.Exit(0)
	}()
}
