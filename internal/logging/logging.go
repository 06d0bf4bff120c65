// Package logging builds the component loggers used across syncd.
//
// Loggers are plain *log.Logger values with a component prefix. Output goes to
// stderr and, when a file is configured, to a size-rotated log file.
package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log sink.
type Options struct {
	// File is the log file path. Empty disables file logging.
	File string

	// MaxSizeMB is the size at which the file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept.
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// Debug enables per-message tracing via Debugf.
	Debug bool
}

var debug atomic.Bool

// SetDebug switches per-message tracing on or off. Safe to call at any time.
func SetDebug(on bool) {
	debug.Store(on)
}

// DebugEnabled reports whether per-message tracing is on.
func DebugEnabled() bool {
	return debug.Load()
}

// Debugf logs through l only when debug tracing is enabled.
func Debugf(l *log.Logger, format string, args ...any) {
	if l == nil || !debug.Load() {
		return
	}
	l.Printf("debug: "+format, args...)
}

// Sink is the shared destination for every component logger.
type Sink struct {
	w    io.Writer
	file *lumberjack.Logger
}

// NewSink creates the log destination described by opts.
func NewSink(opts Options) *Sink {
	SetDebug(opts.Debug)

	if opts.File == "" {
		return &Sink{w: os.Stderr}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return &Sink{
		w:    io.MultiWriter(os.Stderr, file),
		file: file,
	}
}

// Logger returns a logger writing to the sink with the given component name.
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.w, "["+component+"] ", log.LstdFlags)
}

// Writer exposes the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close flushes and closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
