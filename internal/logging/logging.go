// Package logging builds the process logger: a size-rotated file plus a line feed for the console log pane.
package logging

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LineBuffer is how many console lines may queue before new ones are dropped
const LineBuffer = 256

type Options struct {
	File       string // empty disables the file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Stderr     bool
}

// Output owns the writers behind a logger
type Output struct {
	Logger *log.Logger
	lines  *LineWriter
	file   *lumberjack.Logger
}

// New creates the logger. Lines() carries every log line for the console.
func New(opts Options) *Output {
	out := &Output{lines: NewLineWriter(LineBuffer)}
	writers := []io.Writer{out.lines}
	if opts.File != "" {
		out.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		writers = append(writers, out.file)
	}
	if opts.Stderr {
		writers = append(writers, os.Stderr)
	}
	out.Logger = log.New(io.MultiWriter(writers...), "", log.LstdFlags|log.Lmicroseconds)
	return out
}

func (o *Output) Lines() <-chan string {
	return o.lines.Lines()
}

// Dropped reports console lines lost because nobody was reading
func (o *Output) Dropped() uint64 {
	return o.lines.Dropped()
}

// Close flushes the file. The logger must not be used afterwards.
func (o *Output) Close() error {
	o.lines.Close()
	if o.file != nil {
		return o.file.Close()
	}
	return nil
}

// LineWriter turns writes into complete lines on a channel, dropping when the reader falls behind
type LineWriter struct {
	mu      sync.Mutex
	partial strings.Builder
	ch      chan string
	closed  bool
	dropped atomic.Uint64
}

func NewLineWriter(buffer int) *LineWriter {
	return &LineWriter{ch: make(chan string, buffer)}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	rest := string(p)
	for {
		i := strings.IndexByte(rest, '\n')
		if i < 0 {
			w.partial.WriteString(rest)
			break
		}
		w.partial.WriteString(rest[:i])
		w.emit(w.partial.String())
		w.partial.Reset()
		rest = rest[i+1:]
	}
	return len(p), nil
}

// must be called with mu held
func (w *LineWriter) emit(line string) {
	select {
	case w.ch <- line:
	default:
		w.dropped.Add(1)
	}
}

func (w *LineWriter) Lines() <-chan string {
	return w.ch
}

func (w *LineWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Close emits any unterminated line and closes the channel
func (w *LineWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
	w.closed = true
	close(w.ch)
}
