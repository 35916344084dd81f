// Package logger provides the shared slog logger used by all lens services.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// New returns a tint-backed slog logger writing to stdout. Timestamps are
// UTC with millisecond precision; empty string attributes are elided.
func New(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(t.Format("2006-01-02T15:04:05.000Z"))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}
