// Package events persists NDJSON event logs: one append-only file per run
// or environment build, one JSON object per line, flushed on close.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ade-io/ade/types"
)

// Sink accepts events in emission order.
type Sink interface {
	// Write appends one event. Ordering is the caller's emission order.
	Write(ev types.Event) error
	// Close flushes and releases the sink. Idempotent.
	Close() error
}

// FileSink appends NDJSON lines to one log file. Safe for concurrent
// writers; lines are never interleaved.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool
}

// NewFileSink opens (creating parents) the log file for append.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileSink{f: f, w: bufio.NewWriter(f)}, nil
}

// Write appends one event as a single NDJSON line.
func (s *FileSink) Write(ev types.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

// Close flushes buffered lines and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Discard is a Sink that drops everything; used for dry runs and tests.
type Discard struct{}

func (Discard) Write(types.Event) error { return nil }
func (Discard) Close() error            { return nil }

// Memory is a test sink capturing events in order.
type Memory struct {
	mu     sync.Mutex
	Events []types.Event
}

func (m *Memory) Write(ev types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	return nil
}

func (m *Memory) Close() error { return nil }

// Snapshot returns a copy of the captured events.
func (m *Memory) Snapshot() []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Event, len(m.Events))
	copy(out, m.Events)
	return out
}
