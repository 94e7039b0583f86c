package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
)

// Record is one line of the trace dump.
type Record struct {
	ID    uint64 `json:"id"`
	Trace *Trace `json:"trace"`
	// Blocks lists the block start addresses the trace was folded into.
	Blocks []uint32 `json:"blocks,omitempty"`
	Repeat bool     `json:"repeat,omitempty"`
}

// JSONLWriter writes Records as JSON Lines. It is safe for concurrent use.
type JSONLWriter struct {
	mu     sync.Mutex
	enc    *json.Encoder
	buf    *bufio.Writer
	closer io.Closer // set only when the writer owns the file
	closed bool
}

var ErrWriterClosed = errors.New("jsonl trace writer is closed")

// NewJSONLWriter wraps w; Close flushes but does not close w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	buf := bufio.NewWriterSize(w, 64*1024)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{enc: enc, buf: buf}
}

// NewJSONLWriterFile creates path and returns a writer that owns it.
func NewJSONLWriterFile(path string) (*JSONLWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := NewJSONLWriter(f)
	w.closer = f
	return w, nil
}

func (w *JSONLWriter) Write(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.enc.Encode(rec)
}

func (w *JSONLWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	return w.buf.Flush()
}

// Close flushes and, if the writer owns the file, closes it.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.buf.Flush(); err != nil {
		if w.closer != nil {
			_ = w.closer.Close()
		}
		return err
	}
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

// ReadJSONL decodes every record from r.
func ReadJSONL(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}
