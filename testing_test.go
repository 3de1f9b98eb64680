package calltip

import (
	"io"
	"log/slog"
	"testing"
)

// testLogger returns a logger that discards output. Tests assert on behavior,
// not log lines.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
