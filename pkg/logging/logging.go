// Package logging builds the slog loggers used across the repositories.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Format selects the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configure logger construction. The zero value logs info-level
// text to stderr.
type Options struct {
	// Level is the minimum level to emit.
	Level slog.Level `json:"level" yaml:"level"`

	// Format is the output encoding, text by default.
	Format Format `json:"format,omitempty" yaml:"format,omitempty"`

	// Output receives the log stream; nil means os.Stderr.
	Output io.Writer `json:"-" yaml:"-"`
}

// New builds a logger from opts.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var handler slog.Handler
	if opts.Format == FormatJSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

// Nop returns a logger that discards everything. Used where a logger is
// required but the embedder supplied none.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to its slog level, defaulting to info for
// anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
