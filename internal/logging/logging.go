// Package logging builds the slog loggers used by the command line tool.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/edgelesssys/go-sgx-ra/config"
	"github.com/edgelesssys/go-sgx-ra/status"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New creates a logger as described by cfg.
// The returned closer flushes and closes the log file, if any.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out, closer = file, file
	}

	handler, err := NewHandler(out, cfg.Format, level)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(handler), closer, nil
}

// NewHandler returns a text, json or pretty handler writing to w.
func NewHandler(w io.Writer, format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "pretty":
		return newPrettyHandler(w, level), nil
	default:
		return nil, status.Errorf(status.ErrInvalidParameter, "unknown log format %q", format)
	}
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, status.Errorf(status.ErrInvalidParameter, "unknown log level %q", s)
	}
	return level, nil
}

// Discard returns a logger dropping everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
