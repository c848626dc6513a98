// Package lisolog builds the single structured logger Liso's components
// share. It is grounded on the teacher's logging.go: the same zap core
// construction (encoder + sync writer + level enabler), but collapsed to
// the one append-only log file the CLI is given (spec.md §6 "Log file");
// there is no module registry, no named sub-logs, no dynamic reconfiguration.
package lisolog

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Open opens path in append mode and installs it as the process-wide log
// sink. The log file's contract (spec.md §6) is "human-readable diagnostic
// lines; no machine-consumed format", so Liso uses a console encoder rather
// than the teacher's default JSON production encoder.
func Open(path string) (io.WriteCloser, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	core := zapcore.NewCore(encoder, zapcore.AddSync(f), zapcore.DebugLevel)

	mu.Lock()
	logger = zap.New(core)
	mu.Unlock()

	return f, nil
}

// L returns the current process-wide logger. Before Open is called it is a
// no-op logger, matching the teacher's newDefaultProductionLog fallback.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}
