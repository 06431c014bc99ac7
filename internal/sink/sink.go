// Package sink consumes payloads written by the central to the write
// characteristic: logging them, appending them to a file, or both.
package sink

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/chaz8081/ble-server/internal/ble/protocol"
)

// Sink receives client writes. Consume is called on the host task and
// must not block for long.
type Sink interface {
	Consume(conn uint16, data []byte) error
}

// LogSink logs each write at info level.
type LogSink struct {
	log *slog.Logger
}

// Compile-time interface satisfaction check.
var _ Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

// Consume logs data. Empty writes are logged too; the central may use
// them as keepalives.
func (s *LogSink) Consume(conn uint16, data []byte) error {
	s.log.Info("[SINK] data from client", "conn", conn, "len", len(data), "data", protocol.Printable(data))
	return nil
}

// WriterSink writes one line per client write to an io.Writer.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Sink = (*WriterSink)(nil)

// NewWriterSink creates a WriterSink on w.
// Panics if w is nil (programmer error).
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		panic("sink: NewWriterSink called with nil writer")
	}
	return &WriterSink{w: w}
}

// OpenFile appends client writes to the file at path, creating it if
// needed.
func OpenFile(path string) (*WriterSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return NewWriterSink(f), nil
}

func (s *WriterSink) Consume(conn uint16, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "conn=%d len=%d data=%s\n", conn, len(data), protocol.Printable(data)); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it is an io.Closer.
func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Tee fans a write out to every sink. All sinks see the write even when
// one fails; the failures are joined.
type Tee []Sink

var _ Sink = Tee(nil)

func (t Tee) Consume(conn uint16, data []byte) error {
	var errs []error
	for _, s := range t {
		if err := s.Consume(conn, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
