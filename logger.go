package tilestream

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/tilestream/internal/device/haldev"
	"github.com/gogpu/tilestream/internal/streamer"
	"github.com/gogpu/tilestream/internal/uploader"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for tilestream and all its internal
// packages. By default, tilestream produces no log output.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by tilestream:
//   - [slog.LevelDebug]: per-cycle diagnostics (heap full, feedback readback)
//   - [slog.LevelInfo]: lifecycle events (streamer swapped, trace written)
//   - [slog.LevelWarn]: failed tile copies, trace write failures
//   - [slog.LevelError]: device errors on background goroutines
//
// Example:
//
//	tilestream.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	streamer.SetLogger(l)
	uploader.SetLogger(l)
	haldev.SetLogger(l)
}

// Logger returns the current logger used by tilestream.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
