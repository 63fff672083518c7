// Package runlog writes the per-run artifact logs: build output, runtime
// output, and network traces land in separate append-only files under the
// run's log directory, one timestamped line at a time.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind names one of the per-run log files.
type Kind string

const (
	KindBuild   Kind = "build"
	KindRuntime Kind = "runtime"
	KindNetwork Kind = "network"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Writer appends timestamped lines to a single run log file. Safe for
// concurrent use; supervised process output tees in via io.Writer.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	partial []byte
}

// Open creates the run's log directory if needed and opens the file for
// kind in append mode.
func Open(dir string, kind Kind) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, string(kind)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", kind, err)
	}

	return &Writer{file: file, path: path}, nil
}

// Path returns the log file location for run records.
func (w *Writer) Path() string { return w.path }

// Line appends one formatted, timestamped line.
func (w *Writer) Line(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLine(fmt.Sprintf(format, args...))
}

// Write implements io.Writer. Incoming chunks are split on newlines and
// each complete line is timestamped; a trailing fragment is held until its
// newline arrives or the writer closes.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		idx := -1
		for i, b := range w.partial {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		w.writeLine(string(w.partial[:idx]))
		w.partial = w.partial[idx+1:]
	}

	return len(p), nil
}

// Close flushes any held fragment and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.partial) > 0 {
		w.writeLine(string(w.partial))
		w.partial = nil
	}
	return w.file.Close()
}

func (w *Writer) writeLine(line string) {
	ts := time.Now().UTC().Format(timestampLayout)
	_, _ = fmt.Fprintf(w.file, "%s %s\n", ts, line)
}
