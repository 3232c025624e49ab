// Package logging builds the slog loggers used by the credvault command.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options configures New
type Options struct {
	// Verbose lowers the level to Info; Debug lowers it to Debug.
	// Otherwise only warnings and errors are shown.
	Verbose bool
	Debug   bool

	// NoColor disables ANSI colors
	NoColor bool

	// Output defaults to os.Stderr
	Output io.Writer
}

// New returns a tint-formatted logger
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelWarn
	switch {
	case opts.Debug:
		level = slog.LevelDebug
	case opts.Verbose:
		level = slog.LevelInfo
	}

	handler := tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
		AddSource:  opts.Debug,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
