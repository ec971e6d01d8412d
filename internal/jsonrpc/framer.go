package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// DefaultMaxLine bounds how long a single stdout line may grow before
// the reader discards it.
const DefaultMaxLine = 1024 * 1024

// ErrSinkClosed is returned by LineWriter once the underlying stream
// is closed or has failed.
var ErrSinkClosed = errors.New("jsonrpc: sink closed")

// LineReader turns a byte stream into a sequence of JSON values, one
// per newline-delimited line. Children are allowed to write plain log
// lines to stdout; anything that does not parse as JSON is dropped.
type LineReader struct {
	br      *bufio.Reader
	maxLine int
	log     *slog.Logger
}

// NewLineReader wraps r. maxLine <= 0 selects DefaultMaxLine. Lines
// longer than maxLine are discarded in full with a warning.
func NewLineReader(r io.Reader, maxLine int, log *slog.Logger) *LineReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	if log == nil {
		log = slog.Default()
	}
	return &LineReader{
		br:      bufio.NewReaderSize(r, maxLine),
		maxLine: maxLine,
		log:     log,
	}
}

// Next returns the next JSON value on the stream. Candidate lines are
// trimmed of leading and trailing whitespace before parsing; interior
// bytes, carriage returns included, are preserved. Returns io.EOF when
// the stream ends.
func (lr *LineReader) Next() (json.RawMessage, error) {
	for {
		line, err := lr.br.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			dropped := len(line)
			for errors.Is(err, bufio.ErrBufferFull) {
				line, err = lr.br.ReadSlice('\n')
				dropped += len(line)
			}
			lr.log.Warn("discarding oversized line", "bytes", dropped, "max_bytes", lr.maxLine)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			continue
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 && json.Valid(trimmed) {
			out := make(json.RawMessage, len(trimmed))
			copy(out, trimmed)
			return out, nil
		}

		if err != nil {
			return nil, err
		}
	}
}

// LineWriter serializes JSON values onto a byte sink, one value per
// line. Writes are serialized so concurrent callers never interleave
// bytes on the wire.
type LineWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewLineWriter wraps w.
func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{w: w}
}

// Write marshals v and writes it as a single newline-terminated line.
// Once the sink has failed or been closed, all writes return
// ErrSinkClosed.
func (lw *LineWriter) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal line: %w", err)
	}
	data = append(data, '\n')

	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return ErrSinkClosed
	}
	if _, err := lw.w.Write(data); err != nil {
		lw.closed = true
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}

// Close marks the writer closed and closes the underlying stream when
// it is an io.Closer. Closing stdin is how the gateway asks a child to
// exit cleanly.
func (lw *LineWriter) Close() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return nil
	}
	lw.closed = true
	if c, ok := lw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
