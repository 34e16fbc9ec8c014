// Package logging builds the service's slog JSON logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level   string // debug|info|warn|error; anything else means info
	File    string // optional rotated log file, written in addition to stdout
	Service string
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger and a closer for the file sink (a no-op when no
// file is configured).
func New(opts Options) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}
	return NewWithWriter(w, opts), closer
}

// NewWithWriter builds the logger over an arbitrary writer.
func NewWithWriter(w io.Writer, opts Options) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(opts.Level)}))
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
