// Package rrlog is the ambient structured logger shared by the trace
// writer, reader, and command-line tools. It wraps log/slog the same way
// the rest of the ecosystem does: a package-level default, swappable via
// Init, with Warn+ reaching stderr unless the caller asks for more.
package rrlog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu     sync.Mutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// Options configures the package-level logger.
type Options struct {
	// Verbose enables debug/info output in addition to warnings and errors.
	Verbose bool
	// JSONFormat switches the handler to JSON lines, for piping into
	// structured log collectors instead of a terminal.
	JSONFormat bool
	// Output is the destination writer; defaults to os.Stderr.
	Output io.Writer
}

// Init replaces the package-level logger according to opts. Safe to call
// from a CLI's startup path before any trace.Writer/trace.Reader is
// constructed.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if opts.JSONFormat {
		h = slog.NewJSONHandler(out, handlerOpts)
	} else {
		h = slog.NewTextHandler(out, handlerOpts)
	}

	mu.Lock()
	logger = slog.New(h)
	mu.Unlock()
}

// Logger returns the current package-level logger.
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}
