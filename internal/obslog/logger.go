// Package obslog wires up structured logging for a Parabuild run.
package obslog

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// Options configures the logger New builds.
type Options struct {
	Writer io.Writer
	Silent bool
	// NoColor disables tint's ANSI coloring, for non-terminal output
	// (autosave runs writing to a log file, CI, etc.).
	NoColor bool
}

// New builds a *slog.Logger backed by tint, so a human watching a sweep
// run gets readable, colorized, single-line log output by default.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Silent {
		level = slog.LevelError
	}

	handler := tint.NewHandler(opts.Writer, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

// WithJob returns a logger annotated with the fields that make a sweep's
// log output navigable: which source record and which slot a line came
// from.
func WithJob(logger *slog.Logger, sourceIndex, slot int) *slog.Logger {
	return logger.With(slog.Int("source_index", sourceIndex), slog.Int("slot", slot))
}
