package bimview

import (
	"log/slog"

	"github.com/gogpu/bimview/internal/logging"
)

// SetLogger configures the logger for bimview and all its sub-packages.
// By default, bimview produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by bimview:
//   - [slog.LevelDebug]: buffer uploads, batch rebuilds, target recreation
//   - [slog.LevelInfo]: lifecycle events (device opened, model started, batching enabled)
//   - [slog.LevelWarn]: recovered resource release failures, dropped stale picks
//
// Example:
//
//	bimview.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}

// Logger returns the current logger used by bimview.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logging.Logger()
}
