// Package eventlog implements the optional event logger: a secondary
// observer wired into the router alongside the control server that
// writes filtered events as JSON lines to a file or stdout. Modeled on
// the teacher's internal/events.Bus fan-out, but synchronous — logging
// failures are absorbed here rather than propagated, per spec.md §4.7.
package eventlog

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/billdback/scarab/internal/scarab/event"
)

// Filter selects which event families get written.
type Filter struct {
	IncludeEntityLifecycle bool
	IncludeTime            bool
	IncludeNamed           bool
}

// Admits reports whether e passes the filter.
func (f Filter) Admits(e event.Event) bool {
	switch e.Name {
	case event.NameEntityCreated, event.NameEntityChanged, event.NameEntityDestroyed:
		return f.IncludeEntityLifecycle
	case event.NameTimeUpdated:
		return f.IncludeTime
	case event.NameSimulationShutdown:
		return true
	default:
		return f.IncludeNamed
	}
}

// Logger is an observer that writes admitted events as JSON lines to
// an io.Writer. Write failures are logged at Error level but never
// propagate — the simulation is never stopped by a logging failure.
// A file-open failure is returned by Open to its caller.
type Logger struct {
	logger *slog.Logger
	filter Filter

	mu   sync.Mutex
	dest io.Writer
	file *os.File // non-nil only when dest is a file this Logger owns
}

// New builds a Logger writing to dest (e.g. os.Stdout).
func New(logger *slog.Logger, dest io.Writer, filter Filter) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger, filter: filter, dest: dest}
}

// Open builds a Logger writing to the file at path, creating or
// truncating it. Returns an error only at construction; once running,
// write failures are absorbed.
func Open(logger *slog.Logger, path string, filter Filter) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	l := New(logger, f, filter)
	l.file = f
	return l, nil
}

// Close releases the underlying file, if this Logger opened one.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Broadcast implements router.Broadcaster. Events that fail the filter
// are silently skipped; write errors are logged and absorbed.
func (l *Logger) Broadcast(e event.Event) {
	if !l.filter.Admits(e) {
		return
	}

	data, err := json.Marshal(e)
	if err != nil {
		l.logger.Error("event logger: marshal failed", "event", e.Name, "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.dest.Write(data); err != nil {
		l.logger.Error("event logger: write failed", "event", e.Name, "error", err)
	}
}
