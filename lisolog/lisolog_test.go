package lisolog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenWritesHumanReadableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lisod.log")

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	L().Info("server started")
	L().Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "server started") {
		t.Fatalf("log file missing expected line: %q", data)
	}
}

func TestLNeverReturnsNil(t *testing.T) {
	logger := L()
	if logger == nil {
		t.Fatal("L() returned nil")
	}
}
