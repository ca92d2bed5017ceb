package journal

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/sugawarayuuta/sonnet"
)

// Trace streams records as JSON lines, one object per line.
type Trace struct {
	mu  sync.Mutex
	w   *bufio.Writer
	c   io.Closer
	seq int64
}

// NewTrace wraps a writer in a JSON line trace. If w also implements
// io.Closer, Close closes it.
func NewTrace(w io.Writer) *Trace {
	t := &Trace{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	return t
}

// Append writes one record line.
func (t *Trace) Append(r Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	r.Seq = t.seq
	b, err := sonnet.Marshal(r)
	if err != nil {
		return fmt.Errorf("trace marshal: %w", err)
	}
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("trace write: %w", err)
	}
	return t.w.WriteByte('\n')
}

// Close flushes the stream and closes the underlying writer if it is
// closable.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.w.Flush(); err != nil {
		return err
	}
	if t.c != nil {
		return t.c.Close()
	}
	return nil
}

// ReadTrace decodes every record of a JSON line trace.
func ReadTrace(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var out []Record
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := sonnet.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("trace decode: %w", err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
