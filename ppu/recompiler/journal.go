package recompiler

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal is the per-engine plain text diagnostic file: disassembly of each
// compiled unit, its IR, verification failures and the shutdown timing
// summary. A nil *Journal discards everything.
type Journal struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
}

// NewJournal writes to w; Close flushes but does not close w.
func NewJournal(w io.Writer) *Journal {
	return &Journal{buf: bufio.NewWriter(w)}
}

// OpenJournal creates dir if needed and opens the journal of engine id in
// append mode. An empty dir yields a nil journal.
func OpenJournal(dir string, id int) (*Journal, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("journal dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("ppurec_%d.log", id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	j := NewJournal(f)
	j.closer = f
	return j, nil
}

func (j *Journal) Printf(format string, args ...interface{}) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintf(j.buf, format, args...)
}

// Section writes a titled block of text.
func (j *Journal) Section(title, body string) {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintf(j.buf, "%s:\n\n%s", title, body)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		j.buf.WriteByte('\n')
	}
	j.buf.WriteByte('\n')
}

// Timing writes the worker shutdown summary.
func (j *Journal) Timing(t TimingSummary) {
	ms := func(d time.Duration) int64 { return d.Milliseconds() }
	j.Printf("Total time                      = %dms\n", ms(t.Total))
	j.Printf("    Time spent compiling        = %dms\n", ms(t.Compiler.Total))
	j.Printf("        Time spent building IR  = %dms\n", ms(t.Compiler.IRBuild))
	j.Printf("        Time spent optimizing   = %dms\n", ms(t.Compiler.Optimize))
	j.Printf("        Time spent translating  = %dms\n", ms(t.Compiler.Translate))
	j.Printf("    Time spent recompiling      = %dms\n", ms(t.Recompiling))
	j.Printf("    Time spent idling           = %dms\n", ms(t.Idling))
	j.Printf("    Time spent doing misc tasks = %dms\n", ms(t.Misc()))
}

func (j *Journal) Flush() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buf.Flush()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	err := j.Flush()
	if j.closer != nil {
		if cerr := j.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// TimingSummary is the engine worker's accumulated time split.
type TimingSummary struct {
	Total       time.Duration
	Compiler    Stats
	Recompiling time.Duration
	Idling      time.Duration
}

// Misc is the time not spent compiling or idling.
func (t TimingSummary) Misc() time.Duration {
	return t.Total - t.Idling - t.Compiler.Total
}
