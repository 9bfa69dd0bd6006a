package errutil

import (
	"log/slog"
)

// LogMsg logs err at warning level together with msg, if err is not nil.
// Meant for cleanup-path errors that should be visible but not fatal.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Warn(msg, allArgs...)
	}
}

// ReportError funnels an unexpected error through the central reporting
// path (currently slog at error level).
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		allArgs := append([]any{"error", err}, args...)
		slog.Error(msg, allArgs...)
	}
}
