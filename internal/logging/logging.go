// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string // debug, info, warn or error
	File       string // optional rotated log file
	MaxSizeMB  int
	MaxBackups int
}

// ParseLevel maps a level name to a slog.Level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Setup installs a text logger on stderr, teeing into a size-rotated file
// when opts.File is set. The returned closer releases the file.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	return setup(os.Stderr, opts)
}

func setup(console io.Writer, opts Options) (*slog.Logger, io.Closer, error) {
	var out io.Writer = console
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		out = io.MultiWriter(console, rotating)
		closer = rotating
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(opts.Level)}))
	slog.SetDefault(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
