// Package logging routes every component logger to one shared writer: stderr
// by default, or a size-rotated file optionally mirrored to stderr.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component prefixes.
const (
	PrefixOutbound  = "[sync:outbound] "
	PrefixInbound   = "[sync:inbound] "
	PrefixScheduler = "[scheduler] "
	PrefixDashboard = "[dashboard] "
	PrefixRemote    = "[remote] "
	PrefixWatcher   = "[watcher] "
)

// Options configures the log file. An empty File keeps stderr.
type Options struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Stderr mirrors file output to stderr.
	Stderr bool
}

// switchWriter lets loggers created before Setup follow the new target.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

var output = &switchWriter{w: os.Stderr}

// Setup points the shared writer at the configured destination. The returned
// closer flushes and closes the log file and restores stderr.
func Setup(opts Options) (io.Closer, error) {
	if opts.File == "" {
		output.set(os.Stderr)
		return nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	var w io.Writer = file
	if opts.Stderr {
		w = io.MultiWriter(file, os.Stderr)
	}
	output.set(w)
	return closerFunc(func() error {
		output.set(os.Stderr)
		return file.Close()
	}), nil
}

// Writer returns the shared writer.
func Writer() io.Writer { return output }

// New returns a logger with the given prefix on the shared writer.
func New(prefix string) *log.Logger {
	return log.New(output, prefix, log.LstdFlags)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
