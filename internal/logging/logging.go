// Package logging wires structured logging for the daemon on top of
// log/slog. The daemon's own cmd/dev-console/debug_log.go hand-rolled JSON
// line writing before slog was part of the standard library; this replaces
// that hand-rolled writer with slog's own JSON handler rather than carrying
// the hand-rolled version forward.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// New builds the process-wide logger. Output goes to stderr (stdout is
// reserved for the line-delimited JSON-RPC transport) as JSON lines, one
// per record, so log aggregation never has to guess at framing.
func New(debug bool, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// TabLogger returns a logger pre-tagged with a tab id, the common case for
// session/telemetry/gateway log lines.
func TabLogger(base *slog.Logger, tabID string) *slog.Logger {
	return base.With(slog.String("tabId", tabID))
}
